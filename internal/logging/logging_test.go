package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"Text info", "info", "text", false},
		{"JSON debug", "debug", "json", false},
		{"Uppercase level", "WARN", "", false},
		{"Bad level", "loud", "text", true},
		{"Bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := Setup(tt.level, tt.format, &buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Setup() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetup_JSONAndLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	if _, err := Setup("warn", "json", &buf); err != nil {
		t.Fatal(err)
	}
	slog.Info("capture: hidden")
	slog.Warn("capture: shown", "lease", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one line above the level, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Output is not JSON: %v", err)
	}
	if rec["msg"] != "capture: shown" || rec["lease"] != "abc" {
		t.Errorf("Unexpected record %v", rec)
	}
}
