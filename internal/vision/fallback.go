package vision

import (
	"context"
	"errors"
	"fmt"
)

// FallbackRecognizer tries primary first and uses secondary when primary
// fails for any reason other than caller cancellation. onFallback, if set,
// receives the primary error each time secondary is consulted.
type FallbackRecognizer struct {
	primary    Recognizer
	secondary  Recognizer
	onFallback func(error)
}

func NewFallbackRecognizer(primary, secondary Recognizer, onFallback func(error)) *FallbackRecognizer {
	return &FallbackRecognizer{primary: primary, secondary: secondary, onFallback: onFallback}
}

func (r *FallbackRecognizer) Recognize(ctx context.Context, req RecognizeRequest) ([]string, error) {
	out, err := r.primary.Recognize(ctx, req)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return nil, err
	}
	if r.onFallback != nil {
		r.onFallback(err)
	}
	out, fbErr := r.secondary.Recognize(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("primary recognizer failed: %v; fallback failed: %w", err, fbErr)
	}
	return out, nil
}
