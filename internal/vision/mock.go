package vision

import (
	"context"
	"strings"
	"unicode/utf8"
)

// MockRecognizer reads the frame payload as UTF-8 text and returns its
// non-empty lines in order. It lets a synthetic frame source "hold up a
// badge" without a real OCR engine.
type MockRecognizer struct{}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) Recognize(ctx context.Context, req RecognizeRequest) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !utf8.Valid(req.Frame.Image) {
		return nil, nil
	}
	var out []string
	for _, line := range strings.Split(string(req.Frame.Image), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
