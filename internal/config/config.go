// Package config loads agent settings from defaults, an optional YAML file
// and DOMSPY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vincentbai/domspy-agent/internal/redaction"
)

const envPrefix = "DOMSPY"

type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Buffers   BuffersConfig   `mapstructure:"buffers" yaml:"buffers"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Consent   ConsentConfig   `mapstructure:"consent" yaml:"consent"`
	Page      PageConfig      `mapstructure:"page" yaml:"page"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots" yaml:"snapshots"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Replay    ReplayConfig    `mapstructure:"replay" yaml:"replay"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type CaptureConfig struct {
	RedactKeys       []string      `mapstructure:"redact_keys" yaml:"redact_keys"`
	ThrottleInterval time.Duration `mapstructure:"throttle_interval" yaml:"throttle_interval"`
	MouseSampleRate  float64       `mapstructure:"mouse_sample_rate" yaml:"mouse_sample_rate"`
	PreviewLength    int           `mapstructure:"preview_length" yaml:"preview_length"`
	MaxMutations     int           `mapstructure:"max_mutations" yaml:"max_mutations"`
}

type BuffersConfig struct {
	Events    int `mapstructure:"events" yaml:"events"`
	Network   int `mapstructure:"network" yaml:"network"`
	Mutations int `mapstructure:"mutations" yaml:"mutations"`
}

type AnalysisConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	CorrelationWindow time.Duration `mapstructure:"correlation_window" yaml:"correlation_window"`
	Decay             time.Duration `mapstructure:"decay" yaml:"decay"`
	Boost             float64       `mapstructure:"boost" yaml:"boost"`
	ErrorThreshold    int           `mapstructure:"error_threshold" yaml:"error_threshold"`
	SlowThreshold     time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`
}

// ConsentConfig controls the capture gate. Granted pre-approves capture
// for headless runs where no gate can be asked.
type ConsentConfig struct {
	Required bool `mapstructure:"required" yaml:"required"`
	Granted  bool `mapstructure:"granted" yaml:"granted"`
}

type PageConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	Upstream     string        `mapstructure:"upstream" yaml:"upstream"`
}

type SnapshotsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// ReplayConfig points the replay command at a live Chrome. An empty
// ControlURL launches a local browser.
type ReplayConfig struct {
	ControlURL string `mapstructure:"control_url" yaml:"control_url"`
	PageURL    string `mapstructure:"page_url" yaml:"page_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.redact_keys", redaction.DefaultKeys)
	v.SetDefault("capture.throttle_interval", "100ms")
	v.SetDefault("capture.mouse_sample_rate", 0.01)
	v.SetDefault("capture.preview_length", redaction.DefaultPreviewLength)
	v.SetDefault("capture.max_mutations", 10)
	v.SetDefault("buffers.events", 10000)
	v.SetDefault("buffers.network", 2000)
	v.SetDefault("buffers.mutations", 1000)
	v.SetDefault("analysis.interval", "5s")
	v.SetDefault("analysis.correlation_window", "1500ms")
	v.SetDefault("analysis.decay", "500ms")
	v.SetDefault("analysis.boost", 1.5)
	v.SetDefault("analysis.error_threshold", 5)
	v.SetDefault("analysis.slow_threshold", "3s")
	v.SetDefault("consent.required", true)
	v.SetDefault("consent.granted", false)
	v.SetDefault("page.url", "")
	v.SetDefault("server.address", "127.0.0.1:8123")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.upstream", "")
	v.SetDefault("snapshots.path", defaultSnapshotPath())
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "domspy.snapshots")
	v.SetDefault("replay.control_url", "")
	v.SetDefault("replay.page_url", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration. An explicit configPath must exist; otherwise
// config.yaml is looked up in the working directory and the app data dir,
// and defaults are used when none is found.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := AppDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	// Environment variables override
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Capture.MouseSampleRate < 0 || c.Capture.MouseSampleRate > 1 {
		errs = append(errs, fmt.Errorf("capture.mouse_sample_rate must be within [0,1], got %v", c.Capture.MouseSampleRate))
	}
	if c.Capture.ThrottleInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.throttle_interval must not be negative"))
	}
	if c.Capture.PreviewLength <= 0 {
		errs = append(errs, fmt.Errorf("capture.preview_length must be positive"))
	}
	if c.Capture.MaxMutations <= 0 {
		errs = append(errs, fmt.Errorf("capture.max_mutations must be positive"))
	}
	if c.Buffers.Events <= 0 || c.Buffers.Network <= 0 || c.Buffers.Mutations <= 0 {
		errs = append(errs, fmt.Errorf("buffer capacities must be positive"))
	}
	if c.Analysis.Interval <= 0 {
		errs = append(errs, fmt.Errorf("analysis.interval must be positive"))
	}
	if c.Analysis.CorrelationWindow <= 0 || c.Analysis.Decay <= 0 {
		errs = append(errs, fmt.Errorf("analysis.correlation_window and analysis.decay must be positive"))
	}
	if c.Analysis.Boost <= 0 {
		errs = append(errs, fmt.Errorf("analysis.boost must be positive"))
	}
	if c.Analysis.ErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("analysis.error_threshold must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		errs = append(errs, fmt.Errorf("nats.url and nats.subject are required when nats is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Dump writes the effective configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// AppDir is the platform-specific application data directory.
func AppDir() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", "DOMSpy"), nil
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", "DOMSpy"), nil
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", "DOMSpy"), nil
	}
}

func defaultSnapshotPath() string {
	dir, err := AppDir()
	if err != nil {
		return "events.db"
	}
	return filepath.Join(dir, "events.db")
}
