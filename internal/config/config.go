package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. BROWSERD_DEBUG_PORT.
const EnvPrefix = "BROWSERD"

const (
	DefaultDebugPort = 4969
	DefaultProfile   = "Test"
	MinDebugPort     = 1024
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Attach   AttachConfig   `yaml:"attach"`
	Close    CloseConfig    `yaml:"close"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port             int           `yaml:"port"`
	Host             string        `yaml:"host"`
	AuthToken        string        `yaml:"auth_token"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// MaxClients caps concurrent WebSocket clients; 0 means unlimited.
	MaxClients       int           `yaml:"max_clients"`
}

// BrowserConfig holds the caller-side launch defaults. The controller never
// hardcodes these; they are passed in on every launch request.
type BrowserConfig struct {
	DebugHost      string `yaml:"debug_host"`
	DebugPort      int    `yaml:"debug_port"`
	AllowOrigins   string `yaml:"allow_origins"`
	DefaultProfile string `yaml:"default_profile"`
	ProfileRoot    string `yaml:"profile_root"`
}

type AttachConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxAttempts     uint64        `yaml:"max_attempts"`
}

type CloseConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	ForceGrace   time.Duration `yaml:"force_grace"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RegistryConfig struct {
	ExtraPaths     []string      `yaml:"extra_paths"`
	VersionTimeout time.Duration `yaml:"version_timeout"`
	RefreshOnStart bool          `yaml:"refresh_on_start"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides lists the settings that may be changed through the
// environment. Zero values mean "not set".
type envOverrides struct {
	Host         string `envconfig:"HOST"`
	Port         int    `envconfig:"PORT"`
	AuthToken    string `envconfig:"AUTH_TOKEN"`
	DebugHost    string `envconfig:"DEBUG_HOST"`
	DebugPort    int    `envconfig:"DEBUG_PORT"`
	AllowOrigins string `envconfig:"ALLOW_ORIGINS"`
	ProfileRoot  string `envconfig:"PROFILE_ROOT"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	LogFormat    string `envconfig:"LOG_FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			Host:             "127.0.0.1",
			SnapshotInterval: 5 * time.Second,
			MaxClients:       32,
		},
		Browser: BrowserConfig{
			DebugHost:      "127.0.0.1",
			DebugPort:      DefaultDebugPort,
			AllowOrigins:   "*",
			DefaultProfile: DefaultProfile,
		},
		Attach: AttachConfig{
			Timeout:         15 * time.Second,
			ProbeTimeout:    250 * time.Millisecond,
			AttemptTimeout:  2 * time.Second,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      1.5,
		},
		Close: CloseConfig{
			GracePeriod:  5 * time.Second,
			ForceGrace:   3 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Registry: RegistryConfig{
			VersionTimeout: 2 * time.Second,
			RefreshOnStart: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to the defaults when the file does
// not exist. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv overlays BROWSERD_* variables onto cfg. lookup is usually
// os.LookupEnv; tests pass a map-backed function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	// envconfig falls back to the unprefixed tag name; only honour BROWSERD_*.
	prefixed := func(key string) (string, bool) {
		if !strings.HasPrefix(key, EnvPrefix+"_") {
			return "", false
		}
		return lookup(key)
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env, prefixed); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	if env.Host != "" {
		c.Server.Host = env.Host
	}
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	if env.AuthToken != "" {
		c.Server.AuthToken = env.AuthToken
	}
	if env.DebugHost != "" {
		c.Browser.DebugHost = env.DebugHost
	}
	if env.DebugPort != 0 {
		c.Browser.DebugPort = env.DebugPort
	}
	if env.AllowOrigins != "" {
		c.Browser.AllowOrigins = env.AllowOrigins
	}
	if env.ProfileRoot != "" {
		c.Browser.ProfileRoot = env.ProfileRoot
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	return nil
}

// Validate reports the first setting that would make the controller
// misbehave at runtime.
func (c *Config) Validate() error {
	if err := ValidateDebugPort(c.Browser.DebugPort); err != nil {
		return fmt.Errorf("browser.debug_port: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"attach.timeout", c.Attach.Timeout},
		{"attach.probe_timeout", c.Attach.ProbeTimeout},
		{"attach.attempt_timeout", c.Attach.AttemptTimeout},
		{"attach.initial_interval", c.Attach.InitialInterval},
		{"attach.max_interval", c.Attach.MaxInterval},
		{"close.grace_period", c.Close.GracePeriod},
		{"close.force_grace", c.Close.ForceGrace},
		{"close.poll_interval", c.Close.PollInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Server.SnapshotInterval <= 0 {
		return fmt.Errorf("server.snapshot_interval must be positive, got %s", c.Server.SnapshotInterval)
	}
	if c.Server.MaxClients < 0 {
		return fmt.Errorf("server.max_clients must not be negative, got %d", c.Server.MaxClients)
	}
	if c.Attach.Multiplier < 1 {
		return fmt.Errorf("attach.multiplier must be >= 1, got %v", c.Attach.Multiplier)
	}
	return nil
}

// ValidateDebugPort rejects privileged and out-of-range ports.
func ValidateDebugPort(port int) error {
	if port < MinDebugPort || port > 65535 {
		return fmt.Errorf("remote debugging port must be between %d and 65535, got %d", MinDebugPort, port)
	}
	return nil
}
