package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_DefaultsToInfoLevel(t *testing.T) {
	logger, err := New(Options{Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected info level by default")
	}
}

func TestNew_InvalidLevelErrors(t *testing.T) {
	if _, err := New(Options{Level: "not-a-level"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNew_AttachesFields(t *testing.T) {
	logger, err := New(Options{Format: "json", Fields: map[string]string{"role": "coordinator"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
}
