// Package config loads the layered application configuration: built-in
// defaults, then an optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Risk    RiskConfig    `yaml:"risk" envconfig:"RISK"`
	Abuse   AbuseConfig   `yaml:"abuse" envconfig:"ABUSE"`
	Codes   CodesConfig   `yaml:"codes" envconfig:"CODES"`
	Token   TokenConfig   `yaml:"token" envconfig:"TOKEN"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration   `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains per-client HTTP rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// RiskConfig controls how risk scores translate into gate decisions.
// FailOpen downgrades an unavailable risk check to an allow decision;
// deployments wanting strict enforcement set it to false.
type RiskConfig struct {
	StepUpThreshold float64 `yaml:"step_up_threshold" envconfig:"STEP_UP_THRESHOLD"`
	BlockThreshold  float64 `yaml:"block_threshold" envconfig:"BLOCK_THRESHOLD"`
	FailOpen        bool    `yaml:"fail_open" envconfig:"FAIL_OPEN"`
}

// AbuseConfig contains abuse signal detection configuration
type AbuseConfig struct {
	VelocityLimit       int           `yaml:"velocity_limit" envconfig:"VELOCITY_LIMIT"`
	VelocityWindow      time.Duration `yaml:"velocity_window" envconfig:"VELOCITY_WINDOW"`
	ChurnLimit          int           `yaml:"churn_limit" envconfig:"CHURN_LIMIT"`
	ChurnWindow         time.Duration `yaml:"churn_window" envconfig:"CHURN_WINDOW"`
	FailedAttemptLimit  int           `yaml:"failed_attempt_limit" envconfig:"FAILED_ATTEMPT_LIMIT"`
	FailedAttemptWindow time.Duration `yaml:"failed_attempt_window" envconfig:"FAILED_ATTEMPT_WINDOW"`
	GeoJumpWindow       time.Duration `yaml:"geo_jump_window" envconfig:"GEO_JUMP_WINDOW"`
	GeoJumpDistanceKM   float64       `yaml:"geo_jump_distance_km" envconfig:"GEO_JUMP_DISTANCE_KM"`
}

// CodesConfig contains activation code generation configuration
type CodesConfig struct {
	GroupCount    int           `yaml:"group_count" envconfig:"GROUP_COUNT"`
	GroupLength   int           `yaml:"group_length" envconfig:"GROUP_LENGTH"`
	MaxRetries    int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	BindingMaxAge time.Duration `yaml:"binding_max_age" envconfig:"BINDING_MAX_AGE"`
}

// TokenConfig contains offline validation token configuration
type TokenConfig struct {
	Issuer     string        `yaml:"issuer" envconfig:"ISSUER"`
	DefaultTTL time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	MaxTTL     time.Duration `yaml:"max_ttl" envconfig:"MAX_TTL"`
	// SigningKeyFile holds a PEM encoded Ed25519 private key. Empty means
	// an ephemeral key is generated at startup, so issued tokens do not
	// survive a restart.
	SigningKeyFile string `yaml:"signing_key_file" envconfig:"SIGNING_KEY_FILE"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// defaultConfig returns the built-in defaults. Explicit values here rather
// than envconfig default tags: envconfig applies default tags whenever the
// variable is unset, which would overwrite file-loaded values.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Risk: RiskConfig{
			StepUpThreshold: 50,
			BlockThreshold:  80,
			FailOpen:        true,
		},
		Abuse: AbuseConfig{
			VelocityLimit:       30,
			VelocityWindow:      time.Minute,
			ChurnLimit:          3,
			ChurnWindow:         time.Hour,
			FailedAttemptLimit:  5,
			FailedAttemptWindow: time.Hour,
			GeoJumpWindow:       time.Hour,
			GeoJumpDistanceKM:   500,
		},
		Codes: CodesConfig{
			GroupCount:    5,
			GroupLength:   5,
			MaxRetries:    10,
			BindingMaxAge: 90 * 24 * time.Hour,
		},
		Token: TokenConfig{
			Issuer:     "keygate",
			DefaultTTL: 72 * time.Hour,
			MaxTTL:     720 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/keygate.log",
		},
	}
}

// Load loads configuration from the default file location and the
// environment
func Load() (*Config, error) {
	return LoadFromFile(getConfigFilePath())
}

// LoadFromFile layers configuration: built-in defaults, then the YAML file
// when present, then environment overrides. Environment variables take
// precedence over file values.
func LoadFromFile(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// getConfigFilePath returns the config file path from env or the default
func getConfigFilePath() string {
	if path := os.Getenv("KEYGATE_CONFIG"); path != "" {
		return path
	}
	return "keygate.yml"
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Risk.StepUpThreshold < 0 {
		return fmt.Errorf("step_up_threshold must be non-negative, got %g", c.Risk.StepUpThreshold)
	}
	if c.Risk.BlockThreshold <= c.Risk.StepUpThreshold {
		return fmt.Errorf("block_threshold (%g) must exceed step_up_threshold (%g)",
			c.Risk.BlockThreshold, c.Risk.StepUpThreshold)
	}
	if c.Codes.GroupCount < 1 || c.Codes.GroupLength < 1 {
		return fmt.Errorf("code format requires at least one group of one character")
	}
	if c.Codes.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.Codes.MaxRetries)
	}
	if c.Token.DefaultTTL > c.Token.MaxTTL {
		return fmt.Errorf("token default_ttl (%s) exceeds max_ttl (%s)", c.Token.DefaultTTL, c.Token.MaxTTL)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}
