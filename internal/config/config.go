package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/logging"
)

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Identity       string   `mapstructure:"identity"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	RateLimit      float64  `mapstructure:"rate_limit"` // requests/second on /api, 0 disables
	RateBurst      int      `mapstructure:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SandboxConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
}

type JobsConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Sandbox SandboxConfig  `mapstructure:"sandbox"`
	Jobs    JobsConfig     `mapstructure:"jobs"`
	Storage StorageConfig  `mapstructure:"storage"`
	Log     logging.Config `mapstructure:"log"`
}

// Load reads flowgate.yaml from configFile, or from . and $HOME/.flowgate when
// configFile is empty. A missing file in the search path is not an error;
// environment variables (FLOWGATE_SECTION_KEY, plus PORT and SANDBOX_ENDPOINT)
// override file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("flowgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.flowgate")
	}

	v.SetDefault("server.port", 3001)
	v.SetDefault("server.identity", "flowgate agent flow API")
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("sandbox.endpoint", "")
	v.SetDefault("sandbox.timeout", execution.DefaultTimeout)
	v.SetDefault("sandbox.max_retries", 0)
	v.SetDefault("sandbox.retry_initial_delay", 500*time.Millisecond)
	v.SetDefault("sandbox.max_response_bytes", execution.DefaultMaxResponseBytes)
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".flowgate", "flowgate.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("FLOWGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.port", "FLOWGATE_SERVER_PORT", "PORT")
	v.BindEnv("sandbox.endpoint", "FLOWGATE_SANDBOX_ENDPOINT", "SANDBOX_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Sandbox.Endpoint = expandEnv(cfg.Sandbox.Endpoint)
	cfg.Storage.DBPath = expandEnv(cfg.Storage.DBPath)

	return &cfg, nil
}

// expandEnv resolves a whole-value ${VAR} reference.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if err := execution.ValidateEndpoint(c.Sandbox.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("sandbox.endpoint: %w", err))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if c.Sandbox.MaxRetries < 0 {
		errs = append(errs, errors.New("sandbox.max_retries must not be negative"))
	}
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("jobs.max_concurrent must be positive"))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the sandbox settings into an execution.RetryPolicy.
func (s SandboxConfig) RetryPolicy() execution.RetryPolicy {
	if s.MaxRetries <= 0 {
		return execution.NoRetry()
	}
	p := execution.DefaultRetryPolicy()
	p.MaxRetries = s.MaxRetries
	if s.RetryInitialDelay > 0 {
		p.InitialDelay = s.RetryInitialDelay
	}
	return p
}
