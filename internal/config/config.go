package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/facesignal"
	"github.com/andresmejia3/idproof/internal/types"
)

// Config is read once at startup. Nothing here is re-derived at runtime.
type Config struct {
	DB        string `yaml:"db"`         // postgres://... or sqlite:///path
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Match      MatchConfig      `yaml:"match"`
	Camera     CameraConfig     `yaml:"camera"`
	FaceSignal FaceSignalConfig `yaml:"face_signal"`
	Document   DocumentConfig   `yaml:"document"`
	Engine     EngineConfig     `yaml:"engine"`
	Serve      ServeConfig      `yaml:"serve"`
}

// MatchConfig holds the decision policy.
type MatchConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// CameraConfig describes the capture device and the facing used by each stage.
type CameraConfig struct {
	InputFormat       string             `yaml:"input_format"` // ffmpeg -f value
	UserDevice        string             `yaml:"user_device"`
	EnvironmentDevice string             `yaml:"environment_device"`
	Ideal             capture.Resolution `yaml:"ideal"`
	Min               capture.Resolution `yaml:"min"`
	FrameRate         float64            `yaml:"frame_rate"`
	StartupTimeoutMS  int                `yaml:"startup_timeout_ms"`
	DocumentFacing    string             `yaml:"document_facing"`
	FaceFacing        string             `yaml:"face_facing"`
}

// FaceSignalConfig tunes the centering loop.
type FaceSignalConfig struct {
	RefreshHz float64              `yaml:"refresh_hz"`
	CenterBox facesignal.CenterBox `yaml:"center_box"`
}

// DocumentConfig tunes the barcode reader.
type DocumentConfig struct {
	ScanIntervalMS int      `yaml:"scan_interval_ms"`
	Formats        []string `yaml:"formats"`
}

// EngineConfig describes the face engine process.
type EngineConfig struct {
	Command  []string `yaml:"command"`
	Model    string   `yaml:"model"`
	TimeoutS int      `yaml:"timeout_s"`
}

// ServeConfig is used by the serve command.
type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration that works on a Linux laptop with one webcam.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Match:     MatchConfig{Threshold: 0.55},
		Camera: CameraConfig{
			InputFormat:       "v4l2",
			UserDevice:        "/dev/video0",
			EnvironmentDevice: "/dev/video0",
			Ideal:             capture.Resolution{Width: 640, Height: 480},
			Min:               capture.Resolution{Width: 320, Height: 240},
			FrameRate:         30,
			StartupTimeoutMS:  5000,
			DocumentFacing:    "environment",
			FaceFacing:        "user",
		},
		FaceSignal: FaceSignalConfig{RefreshHz: 30, CenterBox: facesignal.DefaultCenterBox},
		Document: DocumentConfig{
			ScanIntervalMS: 400,
			Formats:        []string{"pdf417", "qrcode", "datamatrix", "code128", "code39"},
		},
		Engine: EngineConfig{
			Command:  []string{"python3", "-u", "python/engine.py"},
			Model:    "faceapi-ssd-mobilenetv1-v1",
			TimeoutS: 30,
		},
		Serve: ServeConfig{Addr: ":8080"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables. POSTGRES_* builds the DB URL the same way
// docker-compose deployments provide it.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("IDPROOF_DB"); v != "" {
		c.DB = v
	}
	if c.DB == "" {
		if host := getenv("POSTGRES_HOST"); host != "" {
			port := getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.DB = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
		}
	}
	if v := getenv("IDPROOF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("IDPROOF_ENGINE"); v != "" {
		c.Engine.Command = strings.Fields(v)
	}
	if v := getenv("IDPROOF_CAMERA_USER"); v != "" {
		c.Camera.UserDevice = v
	}
	if v := getenv("IDPROOF_CAMERA_ENVIRONMENT"); v != "" {
		c.Camera.EnvironmentDevice = v
	}
	if v := getenv("IDPROOF_THRESHOLD"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("IDPROOF_THRESHOLD: %w", err)
		}
		c.Match.Threshold = t
	}
	return nil
}

// Validate checks every knob once, before anything touches the camera.
func (c *Config) Validate() error {
	if c.Match.Threshold <= 0 {
		return fmt.Errorf("match threshold must be positive, got %f", c.Match.Threshold)
	}
	if c.Camera.Ideal.Width <= 0 || c.Camera.Ideal.Height <= 0 {
		return fmt.Errorf("ideal resolution must be positive, got %s", c.Camera.Ideal)
	}
	if c.Camera.Min.Width > c.Camera.Ideal.Width || c.Camera.Min.Height > c.Camera.Ideal.Height {
		return fmt.Errorf("minimum resolution %s exceeds ideal %s", c.Camera.Min, c.Camera.Ideal)
	}
	if c.Camera.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive")
	}
	if _, err := capture.ParseFacing(c.Camera.DocumentFacing); err != nil {
		return fmt.Errorf("document_facing: %w", err)
	}
	if _, err := capture.ParseFacing(c.Camera.FaceFacing); err != nil {
		return fmt.Errorf("face_facing: %w", err)
	}
	if c.FaceSignal.RefreshHz <= 0 || c.FaceSignal.RefreshHz > 120 {
		return fmt.Errorf("refresh_hz must be in (0, 120], got %f", c.FaceSignal.RefreshHz)
	}
	if err := c.FaceSignal.CenterBox.Validate(); err != nil {
		return err
	}
	if c.Document.ScanIntervalMS < 100 {
		return fmt.Errorf("scan_interval_ms must be at least 100")
	}
	if _, err := c.Symbologies(); err != nil {
		return err
	}
	if len(c.Engine.Command) == 0 {
		return fmt.Errorf("engine command is empty")
	}
	return nil
}

// Symbologies parses the configured strict-tier reader order.
func (c *Config) Symbologies() ([]types.Symbology, error) {
	out := make([]types.Symbology, 0, len(c.Document.Formats))
	for _, name := range c.Document.Formats {
		s := types.ParseSymbology(strings.ToLower(name))
		if s == types.SymbologyUnknown {
			return nil, fmt.Errorf("unknown barcode format %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Constraints builds a capture request for the given facing.
func (c *Config) Constraints(f capture.Facing) capture.Constraints {
	return capture.Constraints{
		Facing:    f,
		Ideal:     c.Camera.Ideal,
		Min:       c.Camera.Min,
		FrameRate: c.Camera.FrameRate,
	}
}

// Facings returns the facing for the document and face stages. Call after Validate.
func (c *Config) Facings() (document, face capture.Facing) {
	document, _ = capture.ParseFacing(c.Camera.DocumentFacing)
	face, _ = capture.ParseFacing(c.Camera.FaceFacing)
	return document, face
}

// Device builds the ffmpeg camera device.
func (c *Config) Device() *capture.FFmpegDevice {
	return &capture.FFmpegDevice{
		InputFormat: c.Camera.InputFormat,
		Paths: map[capture.Facing]string{
			capture.FacingUser:        c.Camera.UserDevice,
			capture.FacingEnvironment: c.Camera.EnvironmentDevice,
		},
		StartupTimeout: time.Duration(c.Camera.StartupTimeoutMS) * time.Millisecond,
	}
}

// ScanInterval is the minimum gap between live barcode decode attempts.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Document.ScanIntervalMS) * time.Millisecond
}

// Refresh is the face signal tick period.
func (c *Config) Refresh() time.Duration {
	return time.Duration(float64(time.Second) / c.FaceSignal.RefreshHz)
}

// EngineTimeout bounds a single engine request.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutS) * time.Second
}
