package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Strategy selects how page output is captured
type Strategy string

const (
	// StrategyScreencast pulls JPEG frames over the DevTools screencast channel
	StrategyScreencast Strategy = "screencast"
	// StrategySurfaceGrab grabs a virtual X display hosting a full browser window
	StrategySurfaceGrab Strategy = "headless"
)

// BinariesConfig names the external programs the pipeline spawns
type BinariesConfig struct {
	Browser string `json:"browser" yaml:"browser"`
	Xvfb    string `json:"xvfb" yaml:"xvfb"`
	FFmpeg  string `json:"ffmpeg" yaml:"ffmpeg"`
}

// EncoderConfig holds transcoder output settings
type EncoderConfig struct {
	Codec       string `json:"codec" yaml:"codec"`
	Preset      string `json:"preset" yaml:"preset"`
	PixelFormat string `json:"pixel_format" yaml:"pixel_format"`
	// TolerateDestinationFailure keeps the stream going to the remaining
	// destinations when one of them drops
	TolerateDestinationFailure bool `json:"tolerate_destination_failure" yaml:"tolerate_destination_failure"`
}

// Config is the pipeline configuration, resolved once at startup
type Config struct {
	URL          string   `json:"url" yaml:"url,omitempty"`
	Destinations []string `json:"destinations" yaml:"destinations"`

	FPS        int    `json:"fps" yaml:"fps"`
	Quality    int    `json:"quality" yaml:"quality"`
	Resolution string `json:"resolution" yaml:"resolution"`
	Display    string `json:"display" yaml:"display"`
	ColorDepth int    `json:"color_depth" yaml:"color_depth"`

	Binaries BinariesConfig `json:"binaries" yaml:"binaries"`
	Encoder  EncoderConfig  `json:"encoder" yaml:"encoder"`

	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
	StopTimeout    time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	StatusPort int    `json:"status_port" yaml:"status_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty"`
}

// configJSON writes the timeouts the way YAML does ("5s") rather than as
// nanosecond counts
type configJSON struct {
	plainConfig
	StartupTimeout string `json:"startup_timeout"`
	StopTimeout    string `json:"stop_timeout"`
}

type plainConfig Config

// MarshalJSON implements json.Marshaler
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		plainConfig:    plainConfig(c),
		StartupTimeout: c.StartupTimeout.String(),
		StopTimeout:    c.StopTimeout.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Config) UnmarshalJSON(data []byte) error {
	aux := configJSON{plainConfig: plainConfig(*c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Config(aux.plainConfig)
	var err error
	if aux.StartupTimeout != "" {
		if c.StartupTimeout, err = time.ParseDuration(aux.StartupTimeout); err != nil {
			return fmt.Errorf("invalid startup_timeout: %w", err)
		}
	}
	if aux.StopTimeout != "" {
		if c.StopTimeout, err = time.ParseDuration(aux.StopTimeout); err != nil {
			return fmt.Errorf("invalid stop_timeout: %w", err)
		}
	}
	return nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Destinations: []string{},
		FPS:          30,
		Quality:      80,
		Resolution:   "1280x720",
		Display:      ":99",
		ColorDepth:   24,
		Binaries: BinariesConfig{
			Browser: "chromium-browser",
			Xvfb:    "Xvfb",
			FFmpeg:  "ffmpeg",
		},
		Encoder: EncoderConfig{
			Codec:       "libx264",
			Preset:      "veryfast",
			PixelFormat: "yuv420p",
		},
		StartupTimeout: 15 * time.Second,
		StopTimeout:    5 * time.Second,
		LogLevel:       "info",
	}
}

// Size returns the parsed resolution
func (c *Config) Size() (width, height int, err error) {
	return ParseResolution(c.Resolution)
}

// ParseResolution parses a "WIDTHxHEIGHT" string
func ParseResolution(s string) (width, height int, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q (want WIDTHxHEIGHT)", s)
	}
	width, err1 := strconv.Atoi(parts[0])
	height, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q (want WIDTHxHEIGHT)", s)
	}
	// yuv420p needs even dimensions
	if width%2 != 0 || height%2 != 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: width and height must be even", s)
	}
	return width, height, nil
}

// ValidateDestination checks that addr can be used as a tee output slave
func ValidateDestination(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("empty destination address")
	}
	if strings.ContainsAny(addr, "|[]") {
		return fmt.Errorf("destination %q contains a reserved character (| [ ])", addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", addr, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid destination %q: want scheme://host/path", addr)
	}
	return nil
}

// Validate checks the configuration for the given strategy. Every problem is a
// failure.Configuration so it surfaces before any process is spawned.
func (c *Config) Validate(strategy Strategy) error {
	fail := func(format string, args ...interface{}) error {
		return failure.Newf(failure.Configuration, "validate config", format, args...)
	}

	if strategy != StrategyScreencast && strategy != StrategySurfaceGrab {
		return fail("unknown capture strategy %q", strategy)
	}
	if c.URL == "" {
		return fail("page URL is required")
	}
	if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" {
		return fail("invalid page URL %q", c.URL)
	}
	if len(c.Destinations) == 0 {
		return fail("at least one destination is required")
	}
	for _, d := range c.Destinations {
		if err := ValidateDestination(d); err != nil {
			return failure.New(failure.Configuration, "validate config", err)
		}
	}
	if c.FPS <= 0 {
		return fail("fps must be positive, got %d", c.FPS)
	}
	if c.StartupTimeout <= 0 || c.StopTimeout <= 0 {
		return fail("startup and stop timeouts must be positive")
	}
	if c.Binaries.FFmpeg == "" || c.Binaries.Browser == "" {
		return fail("browser and ffmpeg binaries must be set")
	}

	switch strategy {
	case StrategyScreencast:
		if c.Quality < 0 || c.Quality > 100 {
			return fail("quality must be within 0-100, got %d", c.Quality)
		}
		// Resolution is optional here, but when given it must be usable
		if c.Resolution != "" {
			if _, _, err := c.Size(); err != nil {
				return failure.New(failure.Configuration, "validate config", err)
			}
		}
	case StrategySurfaceGrab:
		if _, _, err := c.Size(); err != nil {
			return failure.New(failure.Configuration, "validate config", err)
		}
		if !strings.HasPrefix(c.Display, ":") {
			return fail("display %q must look like :N", c.Display)
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(c.Display, ":")); err != nil {
			return fail("display %q must look like :N", c.Display)
		}
		if c.ColorDepth != 16 && c.ColorDepth != 24 && c.ColorDepth != 32 {
			return fail("color depth must be 16, 24 or 32, got %d", c.ColorDepth)
		}
		if c.Binaries.Xvfb == "" {
			return fail("xvfb binary must be set")
		}
	}
	return nil
}

// Manager handles configuration loading
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/pagestreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pagestreamer", "config.yaml"), nil
}

// NewManager creates a configuration manager. A missing file is not an error:
// the defaults are used and nothing is written.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := NewFileManager(path)
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// An explicitly named file must exist
		if configFile != "" {
			return nil, fmt.Errorf("config file %s not found", configFile)
		}
		logger.WithComponent("config").Debug().
			Str("path", m.configPath).
			Msg("Config file not found, using defaults")
		return m, nil
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("destinations", len(m.config.Destinations)).
		Msg("Config loaded")

	return m, nil
}

// NewFileManager returns a manager for path holding the defaults, without
// reading the file
func NewFileManager(path string) *Manager {
	return &Manager{
		configPath: path,
		config:     Defaults(),
	}
}

// load reads the configuration from disk on top of the defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Destinations == nil {
		cfg.Destinations = []string{}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// ApplyOverrides copies every key set in v (flags or PAGESTREAMER_* env) over
// the loaded configuration
func (m *Manager) ApplyOverrides(v *viper.Viper) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.config
	if v.IsSet("destinations") {
		if d := v.GetStringSlice("destinations"); len(d) > 0 {
			c.Destinations = d
		}
	}
	if v.IsSet("fps") {
		c.FPS = v.GetInt("fps")
	}
	if v.IsSet("quality") {
		c.Quality = v.GetInt("quality")
	}
	if v.IsSet("resolution") {
		c.Resolution = v.GetString("resolution")
	}
	if v.IsSet("display") {
		c.Display = v.GetString("display")
	}
	if v.IsSet("color_depth") {
		c.ColorDepth = v.GetInt("color_depth")
	}
	if v.IsSet("binaries.browser") {
		c.Binaries.Browser = v.GetString("binaries.browser")
	}
	if v.IsSet("binaries.xvfb") {
		c.Binaries.Xvfb = v.GetString("binaries.xvfb")
	}
	if v.IsSet("binaries.ffmpeg") {
		c.Binaries.FFmpeg = v.GetString("binaries.ffmpeg")
	}
	if v.IsSet("encoder.codec") {
		c.Encoder.Codec = v.GetString("encoder.codec")
	}
	if v.IsSet("encoder.preset") {
		c.Encoder.Preset = v.GetString("encoder.preset")
	}
	if v.IsSet("encoder.pixel_format") {
		c.Encoder.PixelFormat = v.GetString("encoder.pixel_format")
	}
	if v.IsSet("encoder.tolerate_destination_failure") {
		c.Encoder.TolerateDestinationFailure = v.GetBool("encoder.tolerate_destination_failure")
	}
	if v.IsSet("stop_timeout") {
		c.StopTimeout = v.GetDuration("stop_timeout")
	}
	if v.IsSet("startup_timeout") {
		c.StartupTimeout = v.GetDuration("startup_timeout")
	}
	if v.IsSet("status_port") {
		c.StatusPort = v.GetInt("status_port")
	}
	if v.IsSet("log_level") {
		if lvl := v.GetString("log_level"); lvl != "" {
			c.LogLevel = lvl
		}
	}
	if v.IsSet("log_pretty") {
		c.LogPretty = v.GetBool("log_pretty")
	}
}

// SetURL sets the target page address
func (m *Manager) SetURL(pageURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.URL = pageURL
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Destinations = append([]string(nil), m.config.Destinations...)
	return &cfg
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetConfigPath returns the configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
