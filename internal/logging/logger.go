// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls Build.
type Options struct {
	Development bool
	// Ring, when set, receives a copy of every log line.
	Ring *Ring
	// Quiet drops the stderr output so only Ring sees log lines. Used when a
	// terminal UI owns the screen.
	Quiet bool
}

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	return Build(Options{Development: development})
}

// Build builds a logger per opts.
func Build(opts Options) (*zap.Logger, error) {
	cfg := config(opts.Development)
	if opts.Quiet {
		if opts.Ring == nil {
			return zap.NewNop(), nil
		}
		return zap.New(opts.Ring.Core(cfg.Level)), nil
	}
	logger, err := cfg.Build()
	if err != nil {
		if opts.Development {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	if opts.Ring != nil {
		ring := opts.Ring.Core(cfg.Level)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, ring)
		}))
	}
	return logger, nil
}

func config(development bool) zap.Config {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg
}
