// Package logging builds the process logger: a nested console formatter on
// stderr and, when a file is configured, a size-rotated JSON log next to it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables a rotating log file in addition to the console.
	File string
	// Console overrides stderr, mostly for tests.
	Console io.Writer
}

// New returns a configured logger and a closer for the rotating file, which
// is a no-op when no file is configured.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	level := logrus.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetReportCaller(true)
	logger.SetFormatter(&formatter.Formatter{
		TimestampFormat: "02 Jan 06 - 15:04:05",
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, s[len(s)-1])
		},
	})
	logger.SetOutput(console)

	if strings.TrimSpace(opts.File) == "" {
		return logger, nopCloser{}, nil
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		LocalTime:  true,
		Compress:   true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 3,
	}
	logger.AddHook(&fileHook{writer: file, formatter: &logrus.JSONFormatter{}})
	return logger, file, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// fileHook writes every entry to the rotating file as JSON so the console
// keeps its human readable format.
type fileHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
