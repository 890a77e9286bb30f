// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
	Output string `mapstructure:"output"` // stderr (default), stdout or a file path
}

// ParseLevel maps a level name to a zap level. The empty name is info.
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return l, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
	return l, nil
}

// ValidFormat reports whether f names an encoding New supports.
func ValidFormat(f string) bool {
	return f == "" || f == "console" || f == "json"
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if !ValidFormat(cfg.Format) {
		return nil, fmt.Errorf("logging: unknown format %q (want console or json)", cfg.Format)
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
	var enc zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "" || cfg.Format == "console" {
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		enc = zap.NewProductionEncoderConfig()
	}
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		EncoderConfig:     enc,
		OutputPaths:       []string{cfg.Output},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: encoding == "console",
	}
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return log, nil
}
