package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewBuildsAUsableLogger(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Infow("test message", "k", "v")
}

func TestNewRejectsNothingForKnownFormats(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		if _, err := New(Config{Level: "info", Format: format}); err != nil {
			t.Fatalf("New(format=%q): %v", format, err)
		}
	}
}

func TestComponentAppliesOverrideLevel(t *testing.T) {
	base, err := New(Config{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := Config{Components: map[string]string{"cache": "error"}}

	c := Component(base, cfg, "cache")
	if c == nil {
		t.Fatalf("Component returned nil")
	}
	if c.Desugar().Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("overridden component enabled at warn, want error and above only")
	}
	if !c.Desugar().Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("overridden component disabled at error, want enabled")
	}
	// A logger with no matching override keeps the base level.
	other := Component(base, cfg, "server")
	if other == nil {
		t.Fatalf("Component returned nil for unconfigured component")
	}
	if !other.Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("unconfigured component disabled at debug, want base level debug")
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("not-a-level"); got != parseLevel("info") {
		t.Fatalf("parseLevel(garbage) = %v, want info level", got)
	}
}
