// Package log builds the logrus logger from configuration.
package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"sip-registrar/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a logger writing to stdout and, when cfg.File.Path is set, to
// a rotated file. The returned closer releases the file.
func New(cfg config.LogConfig, stdout io.Writer) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	var closer io.Closer = nopCloser{}
	writers := []io.Writer{stdout}
	if cfg.File.Path != "" {
		w := newFileWriter(cfg.File)
		writers = append(writers, w)
		closer = w
	}

	l := logrus.New()
	l.SetOutput(io.MultiWriter(writers...))
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: cfg.File.Path != ""})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
	return l, closer, nil
}

func newFileWriter(fc config.FileConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,  // megabytes
		MaxBackups: fc.MaxBackups, // number of backups
		MaxAge:     fc.MaxAgeDays, // days
		Compress:   fc.Compress,
	}
}
