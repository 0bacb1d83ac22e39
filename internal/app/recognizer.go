package app

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ent0n29/gradescanner/internal/config"
	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/vision"
)

const fallbackLogInterval = 30 * time.Second

type recognizerSetup struct {
	recognizer vision.Recognizer
	mode       string
}

func resolveRecognizer(cfg config.Config, metrics *observability.Metrics, log *logrus.Entry) (recognizerSetup, error) {
	// Fallbacks happen at frame rate while the OCR service is down.
	warn := &rate.Sometimes{First: 1, Interval: fallbackLogInterval}
	r, mode, err := vision.NewRecognizer(vision.Config{
		Mode:       cfg.RecognizerMode,
		HTTPURL:    cfg.RecognizerHTTPURL,
		Timeout:    cfg.RecognizerTimeout,
		MaxRPS:     cfg.RecognizerMaxRPS,
		MaxRetries: cfg.RecognizerMaxRetries,
		OnFallback: func(err error) {
			metrics.ObserveRecognizerFallback()
			warn.Do(func() {
				log.WithError(err).Warn("OCR service failed, recognizing with mock fallback")
			})
		},
	})
	if err != nil {
		return recognizerSetup{}, fmt.Errorf("recognizer init failed: %w", err)
	}
	return recognizerSetup{recognizer: r, mode: mode}, nil
}
