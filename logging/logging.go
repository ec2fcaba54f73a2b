// Package logging builds the structured logger used by every SEA component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Zereker/sea/transport"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatZap  = "zap"
)

// Config selects the log level, format and destination.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File receives the log when set; it is rotated by size.
	File string `toml:"file"`

	MaxSizeMB  int `toml:"max_size_mb"`
	MaxBackups int `toml:"max_backups"`
	MaxAgeDays int `toml:"max_age_days"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     FormatText,
		MaxSizeMB:  100,
		MaxBackups: 14,
		MaxAgeDays: 14,
	}
}

// New returns a logger for cfg and a closer for its output. The closer must
// be called on shutdown when cfg.File is set.
func New(cfg Config) (transport.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
			LocalTime:  true,
		}
		out, closer = rotating, rotating
	}

	logger, err := NewWriter(cfg, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

// NewWriter returns a logger for cfg that writes to w.
func NewWriter(cfg Config, w io.Writer) (transport.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatText, FormatJSON:
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", cfg.Level)
		}
		opts := &slog.HandlerOptions{Level: lvl}
		if strings.EqualFold(cfg.Format, FormatJSON) {
			return slog.New(slog.NewJSONHandler(w, opts)), nil
		}
		return slog.New(slog.NewTextHandler(w, opts)), nil

	case FormatZap:
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", cfg.Level)
		}
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(w),
			lvl,
		)
		return NewZap(zap.New(core)), nil

	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}
}

// zapLogger adapts a zap logger to the key-value Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap wraps l.
func NewZap(l *zap.Logger) transport.Logger {
	return zapLogger{s: l.Sugar()}
}

func (z zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
