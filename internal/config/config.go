// Package config loads ledger settings from an optional config.yaml, the
// LEDGER_* environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/cutterledger/internal/policy"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "LEDGER"
)

// Keys bound to flags by the CLI.
const (
	KeyDBPath   = "db_path"
	KeyLogLevel = "log_level"
)

// Config holds every ledger setting.
type Config struct {
	DBPath         string         `mapstructure:"db_path"`
	ServiceName    string         `mapstructure:"service_name"`
	ServiceVersion string         `mapstructure:"service_version"`
	LogLevel       string         `mapstructure:"log_level"`
	Policy         policy.Config  `mapstructure:"policy"`
	Override       OverrideConfig `mapstructure:"override"`

	// StageExpectations maps a production stage to its expected dwell time.
	// Empty means the built-in machining/inspection/packing defaults.
	StageExpectations map[string]time.Duration `mapstructure:"stage_expectations"`
}

// OverrideConfig configures override token signing.
type OverrideConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
}

// New returns a viper instance with defaults, environment binding and the
// config file read. An empty path searches the working directory for
// config.yaml, and finding none there is not an error. An explicit path
// must exist.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDBPath, "ledger.db")
	v.SetDefault("service_name", "cutter_ops_v1")
	v.SetDefault("service_version", "v1")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault("policy.vocabulary", false)
	v.SetDefault("policy.ref_format", false)
	v.SetDefault("policy.state_text", false)
	v.SetDefault("policy.owner_only", false)
	v.SetDefault("override.signing_key", "")
	v.SetDefault("override.issuer", "cutterledger")
	v.SetDefault("override.max_ttl", policy.MaxOverrideTTL.String())
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	for stage, d := range cfg.StageExpectations {
		if d <= 0 {
			return nil, fmt.Errorf("invalid stage_expectations.%s: %s is not positive", stage, d)
		}
	}
	if cfg.Override.MaxTTL <= 0 || cfg.Override.MaxTTL > policy.MaxOverrideTTL {
		cfg.Override.MaxTTL = policy.MaxOverrideTTL
	}
	return &cfg, nil
}

// Load is New followed by Decode.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
