package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame is one captured camera image. The pixel payload is opaque to the
// scanner; only the recognizer interprets it.
type Frame struct {
	Seq        int
	Image      []byte
	Format     string
	CapturedAt time.Time
}

// RecognizeRequest asks the engine for text candidates in one frame.
type RecognizeRequest struct {
	RequestID string
	Frame     Frame
	// CustomWords biases the engine towards known vocabulary (roster names).
	CustomWords []string
}

// Recognizer turns an image into ranked text candidates, best first. An
// empty result is valid. Implementations must be safe for concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) ([]string, error)
}

var ErrUnavailable = errors.New("recognizer unavailable")

// Config controls recognizer construction.
type Config struct {
	Mode       string
	HTTPURL    string
	Timeout    time.Duration
	MaxRPS     float64
	MaxRetries int
	// OnFallback is called when auto mode serves a frame from the mock
	// recognizer because the OCR service failed.
	OnFallback func(error)
}

func NewRecognizer(cfg Config) (Recognizer, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallbackRecognizer(newHTTPFromConfig(cfg), NewMockRecognizer(), cfg.OnFallback), "http (mock fallback)", nil
		}
		return NewMockRecognizer(), "mock", nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("recognizer HTTP url is required for http mode")
		}
		return newHTTPFromConfig(cfg), "http", nil
	case "mock":
		return NewMockRecognizer(), "mock", nil
	default:
		return nil, "", fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}

func newHTTPFromConfig(cfg Config) *HTTPRecognizer {
	return NewHTTPRecognizer(HTTPOptions{
		URL:        cfg.HTTPURL,
		Timeout:    cfg.Timeout,
		MaxRPS:     cfg.MaxRPS,
		MaxRetries: cfg.MaxRetries,
	})
}
