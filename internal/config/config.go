// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Engine kinds understood by the bridge.
const (
	EngineChromium = "chromium"
	EngineHeadless = "headless"
)

// DefaultHelperLibraryURL is the jQuery build injected when the helper library is enabled.
const DefaultHelperLibraryURL = "http://ajax.googleapis.com/ajax/libs/jquery/1.7.2/jquery.min.js"

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Bridge BridgeConfig `mapstructure:"bridge" yaml:"bridge"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig configures a session: where it navigates and how it waits.
type BridgeConfig struct {
	BaseURL             string        `mapstructure:"base_url" yaml:"base_url"`
	InjectHelperLibrary bool          `mapstructure:"inject_helper_library" yaml:"inject_helper_library"`
	HelperLibraryURL    string        `mapstructure:"helper_library_url" yaml:"helper_library_url"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// EngineConfig selects and tunes the rendering engine behind a session.
type EngineConfig struct {
	Kind            string            `mapstructure:"kind" yaml:"kind"`
	Headless        bool              `mapstructure:"headless" yaml:"headless"`
	ExecPath        string            `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	LaunchTimeout   time.Duration     `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	RequestTimeout  time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	Parameters      map[string]string `mapstructure:"parameters" yaml:"parameters"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "ghoul")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Bridge --
	v.SetDefault("bridge.base_url", "")
	v.SetDefault("bridge.inject_helper_library", false)
	v.SetDefault("bridge.helper_library_url", DefaultHelperLibraryURL)
	v.SetDefault("bridge.poll_interval", "100ms")
	v.SetDefault("bridge.navigation_timeout", "30s")
	v.SetDefault("bridge.operation_timeout", "30s")

	// -- Engine --
	v.SetDefault("engine.kind", EngineChromium)
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.ignore_tls_errors", false)
	v.SetDefault("engine.launch_timeout", "30s")
	v.SetDefault("engine.request_timeout", "60s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the bridge settings.
func (b *BridgeConfig) Validate() error {
	if b.BaseURL != "" {
		if _, err := url.Parse(b.BaseURL); err != nil {
			return fmt.Errorf("base_url is not a valid URL: %w", err)
		}
	}
	if b.InjectHelperLibrary && b.HelperLibraryURL == "" {
		return fmt.Errorf("helper_library_url is required when inject_helper_library is set")
	}
	if b.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be a positive duration")
	}
	if b.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the engine settings.
func (e *EngineConfig) Validate() error {
	switch e.Kind {
	case EngineChromium, EngineHeadless:
	default:
		return fmt.Errorf("kind must be %q or %q, got %q", EngineChromium, EngineHeadless, e.Kind)
	}
	if e.LaunchTimeout < 0 || e.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
