package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/monocam/internal/hw/camera"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 << 10

// DeviceConfig maps a video device to the position it faces.
type DeviceConfig struct {
	ID       string `yaml:"id"`       // V4L2 index ("0") or path ("/dev/video2")
	Position string `yaml:"position"` // "back" or "front"
}

// CameraConfig selects and tunes the capture backend.
type CameraConfig struct {
	Backend    string         `yaml:"backend"`     // "mock" or "opencv"
	Permission string         `yaml:"permission"`  // authorized, not-determined, denied, restricted, or "device"
	DeviceNode string         `yaml:"device_node"` // node checked when permission is "device"
	Devices    []DeviceConfig `yaml:"devices"`
	WidthPx    int            `yaml:"width_px"`
	HeightPx   int            `yaml:"height_px"`
	PreviewFPS int            `yaml:"preview_fps"` // 0 disables the live preview
	Quality    int            `yaml:"quality"`     // JPEG quality of raw frames
}

// FlashConfig describes an optional flash wired to a GPIO line.
type FlashConfig struct {
	Enabled    bool `yaml:"enabled"`
	Pin        int  `yaml:"pin"`         // BCM numbering
	ActiveHigh bool `yaml:"active_high"` // false for opto-coupled strobes
	LeadMs     int  `yaml:"lead_ms"`     // light on before exposure (ms)
	HoldMs     int  `yaml:"hold_ms"`     // light kept on after exposure (ms)
}

// ButtonConfig describes an optional shutter button on a GPIO line.
// A press starts a capture in station mode.
type ButtonConfig struct {
	Enabled    bool `yaml:"enabled"`
	Pin        int  `yaml:"pin"`         // BCM numbering
	ActiveHigh bool `yaml:"active_high"` // false: switch to ground, pull-up enabled
	PollMs     int  `yaml:"poll_ms"`     // sampling period (ms)
}

// CaptureConfig holds capture behaviour.
type CaptureConfig struct {
	CountdownSeconds int    `yaml:"countdown_seconds"`
	Flash            string `yaml:"flash"` // initial flash mode, "on" or "off"
}

// FilterConfig is the monochrome tint.
type FilterConfig struct {
	Color     []float64 `yaml:"color"`     // red, green, blue in [0,1]
	Intensity *float64  `yaml:"intensity"` // 0 (untouched) to 1 (fully monochrome), default 1
	Quality   int       `yaml:"quality"`   // JPEG quality of processed photos
}

// StorageConfig is where photos go.
type StorageConfig struct {
	Dir             string `yaml:"dir"`
	PruneAfterHours int    `yaml:"prune_after_hours"` // 0 keeps photos forever
}

// WebConfig configures station mode.
type WebConfig struct {
	Port              int `yaml:"port"`
	RequestsPerMinute int `yaml:"requests_per_minute"` // per client IP on /api
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Flash    FlashConfig    `yaml:"flash"`
	Button   ButtonConfig   `yaml:"button"`
	Capture  CaptureConfig  `yaml:"capture"`
	Filter   FilterConfig   `yaml:"filter"`
	Storage  StorageConfig  `yaml:"storage"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files sitting directly in a
// directory named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file %q must live in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes YAML config data. Unknown keys are ignored.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Permission == "" {
		c.Camera.Permission = "authorized"
	}
	if c.Camera.DeviceNode == "" {
		c.Camera.DeviceNode = "/dev/video0"
	}
	if len(c.Camera.Devices) == 0 {
		c.Camera.Devices = []DeviceConfig{{ID: "0", Position: "back"}}
	}
	if c.Camera.WidthPx <= 0 {
		c.Camera.WidthPx = 1280
	}
	if c.Camera.HeightPx <= 0 {
		c.Camera.HeightPx = 720
	}
	if c.Camera.Quality <= 0 {
		c.Camera.Quality = 95
	}
	if c.Flash.LeadMs <= 0 {
		c.Flash.LeadMs = 150 // give auto exposure time to settle
	}
	if c.Flash.HoldMs <= 0 {
		c.Flash.HoldMs = 50
	}
	if c.Button.PollMs <= 0 {
		c.Button.PollMs = 20
	}
	if c.Capture.CountdownSeconds <= 0 {
		c.Capture.CountdownSeconds = 3
	}
	if c.Capture.Flash == "" {
		c.Capture.Flash = "off"
	}
	if len(c.Filter.Color) == 0 {
		c.Filter.Color = []float64{0.5, 0.5, 0.5}
	}
	if c.Filter.Intensity == nil {
		full := 1.0
		c.Filter.Intensity = &full
	}
	if c.Filter.Quality <= 0 {
		c.Filter.Quality = 100
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "photos"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}
	if c.Web.RequestsPerMinute <= 0 {
		c.Web.RequestsPerMinute = 120
	}
}

// Validate checks a config after defaults have been applied.
func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case "":
		return errors.New("camera.backend is required")
	case "mock", "opencv":
	default:
		return fmt.Errorf("unsupported camera backend: %s", c.Camera.Backend)
	}
	if c.Camera.Permission != "device" {
		if _, err := camera.ParseAuthorizationStatus(c.Camera.Permission); err != nil {
			return fmt.Errorf("camera.permission: %w", err)
		}
	}
	seen := map[camera.Position]bool{}
	for i, d := range c.Camera.Devices {
		if d.ID == "" {
			return fmt.Errorf("camera.devices[%d].id is required", i)
		}
		pos, err := camera.ParsePosition(d.Position)
		if err != nil {
			return fmt.Errorf("camera.devices[%d]: %w", i, err)
		}
		if seen[pos] {
			return fmt.Errorf("camera.devices[%d]: position %s used twice", i, pos)
		}
		seen[pos] = true
	}
	if c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality must be <= 100, got %d", c.Camera.Quality)
	}
	if c.Camera.PreviewFPS < 0 || c.Camera.PreviewFPS > 60 {
		return fmt.Errorf("camera.preview_fps must be between 0 and 60, got %d", c.Camera.PreviewFPS)
	}
	if c.Flash.Enabled && c.Flash.Pin <= 0 {
		return errors.New("flash.pin is required when the flash is enabled")
	}
	if c.Button.Enabled {
		if c.Button.Pin <= 0 {
			return errors.New("button.pin is required when the button is enabled")
		}
		if c.Flash.Enabled && c.Flash.Pin == c.Button.Pin {
			return fmt.Errorf("button.pin %d is already the flash pin", c.Button.Pin)
		}
	}
	if c.Capture.CountdownSeconds > 60 {
		return fmt.Errorf("capture.countdown_seconds must be <= 60, got %d", c.Capture.CountdownSeconds)
	}
	if _, err := camera.ParseFlashMode(c.Capture.Flash); err != nil {
		return fmt.Errorf("capture.flash: %w", err)
	}
	if len(c.Filter.Color) != 3 {
		return fmt.Errorf("filter.color needs 3 components, got %d", len(c.Filter.Color))
	}
	for i, v := range c.Filter.Color {
		if v < 0 || v > 1 {
			return fmt.Errorf("filter.color[%d] must be between 0 and 1, got %.2f", i, v)
		}
	}
	if i := c.FilterIntensity(); i < 0 || i > 1 {
		return fmt.Errorf("filter.intensity must be between 0 and 1, got %.2f", i)
	}
	if c.Filter.Quality > 100 {
		return fmt.Errorf("filter.quality must be <= 100, got %d", c.Filter.Quality)
	}
	if c.Storage.PruneAfterHours < 0 {
		return fmt.Errorf("storage.prune_after_hours must be >= 0, got %d", c.Storage.PruneAfterHours)
	}
	if c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	return nil
}

// FlashLead returns how long the flash is lit before the exposure.
func (c *Config) FlashLead() time.Duration {
	return time.Duration(c.Flash.LeadMs) * time.Millisecond
}

// FlashHold returns how long the flash stays lit after the exposure.
func (c *Config) FlashHold() time.Duration {
	return time.Duration(c.Flash.HoldMs) * time.Millisecond
}

// PruneAfter returns the photo retention, 0 when photos are kept forever.
func (c *Config) PruneAfter() time.Duration {
	return time.Duration(c.Storage.PruneAfterHours) * time.Hour
}

// ButtonPoll returns the button sampling period.
func (c *Config) ButtonPoll() time.Duration {
	return time.Duration(c.Button.PollMs) * time.Millisecond
}

// UsesGPIO reports whether any GPIO line is configured.
func (c *Config) UsesGPIO() bool {
	return c.Flash.Enabled || c.Button.Enabled
}

// FlashMode returns the initial flash mode.
func (c *Config) FlashMode() camera.FlashMode {
	m, _ := camera.ParseFlashMode(c.Capture.Flash)
	return m
}

// FilterColor returns the tint as a fixed-size triple.
func (c *Config) FilterColor() [3]float64 {
	var rgb [3]float64
	copy(rgb[:], c.Filter.Color)
	return rgb
}

// FilterIntensity returns the blend factor, 1 when unset.
func (c *Config) FilterIntensity() float64 {
	if c.Filter.Intensity == nil {
		return 1
	}
	return *c.Filter.Intensity
}
