// Package logging builds the structured logger shared by every
// long-lived component: a base level and format plus per-component level
// overrides, on top of go.uber.org/zap.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config carries a base level and format plus per-component level
// overrides. This server logs to stdout/stderr; there are no file
// rotation or retention knobs.
type Config struct {
	Level      string            `yaml:"level" json:"level"`
	Format     string            `yaml:"format" json:"format"` // "json" or "console"
	Components map[string]string `yaml:"components" json:"components"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a *zap.SugaredLogger from cfg. Per-component overrides are
// applied lazily by Component, which wraps the logger with
// zap.IncreaseLevel at the override level when one is configured.
func New(cfg Config) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Component returns a child logger tagged with "component", applying
// the matching override level from cfg.Components when present.
func Component(base *zap.SugaredLogger, cfg Config, name string) *zap.SugaredLogger {
	l := base.With("component", name)
	if override, ok := cfg.Components[name]; ok {
		core := l.Desugar().Core()
		filtered := zap.New(core).WithOptions(zap.IncreaseLevel(parseLevel(override)))
		return filtered.Sugar().With("component", name)
	}
	return l
}
