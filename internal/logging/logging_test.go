package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewSetsLevel(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if Level.Level() != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", Level.Level())
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
