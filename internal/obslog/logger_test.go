package obslog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", LevelCritical},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if err != nil {
				t.Fatalf("ParseLevel(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestComponentAttachesAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelDebug, &buf)
	l.Component("scheduler").Info("tick")
	if !strings.Contains(buf.String(), "component=scheduler") {
		t.Errorf("expected component attribute in output, got: %s", buf.String())
	}
}

func TestCriticalAboveError(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelError, &buf)
	l.Critical("fatal condition")
	if !strings.Contains(buf.String(), "fatal condition") {
		t.Errorf("expected critical message to pass an Error-level threshold, got: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := NewDefault()
	ctx := WithContext(context.Background(), l)
	got := FromContext(ctx)
	if got != l {
		t.Errorf("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Errorf("FromContext on a bare context should fall back to a default logger")
	}
}
