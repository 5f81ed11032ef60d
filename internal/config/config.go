// Package config loads the gateway's server, management API, and
// logging settings from a YAML file plus environment overrides. The
// per-device/per-mapping document lives in devices.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level settings container (spec.md §6).
type Config struct {
	Environment       string        `mapstructure:"environment"`
	DevicesConfigPath string        `mapstructure:"devices_config_path"`
	Server            ServerConfig  `mapstructure:"server"`
	API               APIConfig     `mapstructure:"api"`
	Logging           LoggingConfig `mapstructure:"logging"`
}

// ServerConfig configures the VXI-11 façade listener.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	PortmapperEnabled bool          `mapstructure:"portmapper_enabled"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	IOTimeout         time.Duration `mapstructure:"io_timeout"`
	MaxRecvSize       int           `mapstructure:"max_recv_size"`
}

// APIConfig configures the management REST/websocket listener.
type APIConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	AuthEnabled        bool          `mapstructure:"auth_enabled"`
	APIKey             string        `mapstructure:"api_key"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures zerolog's level/format/output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or a file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configFile (or searches the default paths when empty),
// applies GATEWAY_*-prefixed environment overrides, and validates the
// result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vxi11-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 111)
	v.SetDefault("server.portmapper_enabled", true)
	v.SetDefault("server.lock_timeout", 10*time.Second)
	v.SetDefault("server.io_timeout", 5*time.Second)
	v.SetDefault("server.max_recv_size", 1024*1024)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("api.max_request_body_size", 1<<20)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "GATEWAY_ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "GATEWAY_DEVICES_CONFIG_PATH")

	_ = v.BindEnv("server.port", "GATEWAY_SERVER_PORT")
	_ = v.BindEnv("server.portmapper_enabled", "GATEWAY_PORTMAPPER_ENABLED")

	_ = v.BindEnv("api.port", "GATEWAY_API_PORT")
	_ = v.BindEnv("api.auth_enabled", "GATEWAY_API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "GATEWAY_API_KEY")

	_ = v.BindEnv("logging.level", "GATEWAY_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "GATEWAY_LOG_FORMAT")
}

// Validate checks cross-field invariants Load can't express as defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.DevicesConfigPath == "" {
		return fmt.Errorf("devices_config_path is required")
	}
	return nil
}
