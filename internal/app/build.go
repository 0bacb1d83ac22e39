package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/gradescanner/internal/config"
	"github.com/ent0n29/gradescanner/internal/httpapi"
	"github.com/ent0n29/gradescanner/internal/logging"
	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/roster"
	"github.com/ent0n29/gradescanner/internal/scan"
	"github.com/ent0n29/gradescanner/internal/session"
)

const janitorInterval = 15 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Scans    *scan.Service
	Metrics  *observability.Metrics
	Info     httpapi.Info

	// Cleanup should be called on shutdown after the HTTP server stopped.
	Cleanup func() error
}

// Build assembles the scanner. Machines and the session janitor live until
// ctx is done.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	log := logging.Component(logger, "app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	src := roster.Source{
		DatabaseURL: cfg.DatabaseURL,
		File:        cfg.RosterFile,
		Inline:      cfg.Roster,
	}
	users, err := roster.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("roster init failed: %w", err)
	}

	recognizer, err := resolveRecognizer(cfg, metrics, logging.Component(logger, "recognizer"))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	scans := scan.NewService(ctx, sessions, users, recognizer.recognizer, scan.Options{
		CaptureInterval: cfg.CaptureInterval,
		Logger:          logging.Component(logger, "scan"),
		Metrics:         metrics,
	})
	sessions.StartJanitor(ctx, janitorInterval)

	info := httpapi.Info{
		RecognizerMode: recognizer.mode,
		RosterSource:   src.Kind(),
	}
	api := httpapi.New(cfg, sessions, scans, metrics, info, logging.Component(logger, "httpapi"))

	log.WithFields(logrus.Fields{
		"roster_source":    info.RosterSource,
		"roster_size":      users.Len(),
		"recognizer":       info.RecognizerMode,
		"capture_interval": cfg.CaptureInterval.String(),
	}).Info("scanner assembled")

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Scans:    scans,
		Metrics:  metrics,
		Info:     info,
		Cleanup: func() error {
			scans.Shutdown()
			return nil
		},
	}, nil
}
