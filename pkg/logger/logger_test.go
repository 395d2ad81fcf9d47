package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+5491122334455"); got != "+54*******4455" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := MaskPhone("+1234"); got != "*****" {
		t.Fatalf("short numbers must be fully masked, got %q", got)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	l := New("local")
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}
