package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.ScanInterval() != 400*time.Millisecond {
		t.Errorf("Expected 400ms scan interval, got %s", cfg.ScanInterval())
	}
	doc, face := cfg.Facings()
	if doc != capture.FacingEnvironment || face != capture.FacingUser {
		t.Errorf("Unexpected facings %s/%s", doc, face)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idproof.yaml")
	yamlDoc := `
db: sqlite:///tmp/idproof.db
match:
  threshold: 0.5
camera:
  ideal: {width: 1280, height: 720}
document:
  formats: [qrcode]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DB != "sqlite:///tmp/idproof.db" || cfg.Match.Threshold != 0.5 {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.Camera.Ideal != (capture.Resolution{Width: 1280, Height: 720}) {
		t.Errorf("Unexpected ideal resolution %s", cfg.Camera.Ideal)
	}
	// Untouched keys keep their defaults.
	if cfg.Camera.FrameRate != 30 || cfg.Document.ScanIntervalMS != 400 {
		t.Errorf("Defaults lost: %+v", cfg.Camera)
	}
	syms, err := cfg.Symbologies()
	if err != nil || len(syms) != 1 || syms[0] != types.QRCode {
		t.Errorf("Unexpected symbologies %v (%v)", syms, err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		wantDB string
		check  func(t *testing.T, c *Config)
	}{
		{
			name:   "POSTGRES variables build the URL",
			env:    map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "idproof"},
			wantDB: "postgres://u:p@db:5432/idproof",
		},
		{
			name:   "IDPROOF_DB wins",
			env:    map[string]string{"IDPROOF_DB": "sqlite:///x.db", "POSTGRES_HOST": "db"},
			wantDB: "sqlite:///x.db",
		},
		{
			name: "Engine and threshold",
			env:  map[string]string{"IDPROOF_ENGINE": "python3 -u engine.py", "IDPROOF_THRESHOLD": "0.6"},
			check: func(t *testing.T, c *Config) {
				if strings.Join(c.Engine.Command, " ") != "python3 -u engine.py" {
					t.Errorf("Unexpected engine command %v", c.Engine.Command)
				}
				if c.Match.Threshold != 0.6 {
					t.Errorf("Unexpected threshold %f", c.Match.Threshold)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.ApplyEnv(func(k string) string { return tt.env[k] }); err != nil {
				t.Fatal(err)
			}
			if tt.wantDB != "" && cfg.DB != tt.wantDB {
				t.Errorf("Expected DB %q, got %q", tt.wantDB, cfg.DB)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}

	bad := Default()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "IDPROOF_THRESHOLD" {
			return "abc"
		}
		return ""
	}); err == nil {
		t.Error("Expected error for malformed threshold")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"Zero threshold", func(c *Config) { c.Match.Threshold = 0 }},
		{"Min above ideal", func(c *Config) { c.Camera.Min = capture.Resolution{Width: 4000, Height: 3000} }},
		{"Bad facing", func(c *Config) { c.Camera.FaceFacing = "sideways" }},
		{"Refresh too high", func(c *Config) { c.FaceSignal.RefreshHz = 500 }},
		{"Inverted center box", func(c *Config) { c.FaceSignal.CenterBox.MinX = 0.9 }},
		{"Scan interval too short", func(c *Config) { c.Document.ScanIntervalMS = 10 }},
		{"Unknown format", func(c *Config) { c.Document.Formats = []string{"maxicode"} }},
		{"No engine", func(c *Config) { c.Engine.Command = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}
