// Package logging builds the zap loggers used across the ledger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level and an optional rotated log file.
type Options struct {
	// Level is debug, info, warn or error. Debug switches to the
	// human-readable console encoder.
	Level string

	// File, when set, receives logs instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(name string) (zapcore.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", name)
	}
	return lvl, nil
}

// New returns a logger for opts: colored console output at debug level,
// JSON with ISO8601 timestamps otherwise.
func New(opts Options) (*zap.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if lvl == zapcore.DebugLevel {
		encCfg = zap.NewDevelopmentEncoderConfig()
		if opts.File == "" {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink, err := writer(opts)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(lvl))
	zopts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if lvl == zapcore.DebugLevel {
		zopts = append(zopts, zap.AddCaller(), zap.Development())
	}
	return zap.New(core, zopts...), nil
}

func writer(opts Options) (zapcore.WriteSyncer, error) {
	if opts.File == "" {
		return zapcore.Lock(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
	}
	return zapcore.AddSync(rotator), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Must is New for command entry points: it falls back to a no-op logger and
// reports the problem on stderr.
func Must(opts Options) *zap.Logger {
	logger, err := New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
