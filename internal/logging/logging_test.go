package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := Instance(New(config.LoggingConfig{Level: "info", Format: "json"}, &buf), "watchdog", 7)
	log.Info().Str("state", "Running").Msg("launched")
	log.Debug().Msg("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["component"] != "watchdog" {
		t.Errorf("component = %v, want watchdog", entry["component"])
	}
	if entry["instance"] != float64(7) {
		t.Errorf("instance = %v, want 7", entry["instance"])
	}
	if entry["message"] != "launched" {
		t.Errorf("message = %v, want launched", entry["message"])
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(config.LoggingConfig{Level: "debug", Format: "console"}, &buf), "jobs")
	log.Debug().Msg("worker started")
	if !strings.Contains(buf.String(), "worker started") {
		t.Errorf("output = %q, want to contain message", buf.String())
	}
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("console output looks like JSON: %q", buf.String())
	}
}
