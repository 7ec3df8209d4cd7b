// Package config loads the reporting client's configuration from defaults,
// an optional YAML file, and environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: REPORTCLIENT_CONTROL__CHECK_TIMEOUT maps to
// control.check_timeout.
const EnvPrefix = "REPORTCLIENT_"

// Config is the complete configuration of the reporting client.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Control ControlConfig `koanf:"control"`
	Token   TokenConfig   `koanf:"token"`
	Log     LogConfig     `koanf:"log"`
}

// ServiceConfig identifies the managed service usage is reported for.
type ServiceConfig struct {
	// Name is the reported service, e.g. "echo.example.com".
	Name string `koanf:"name" validate:"required"`
	// ConfigID pins the service configuration rollout, e.g. "2024-01-01r0".
	ConfigID string `koanf:"config_id"`
}

// ControlConfig locates the control-plane service.
type ControlConfig struct {
	// URL is the operations base, e.g. "https://sc.example.com/v1/services".
	URL string `koanf:"url" validate:"required,url"`
	// Destination names the transport destination (upstream cluster).
	Destination string `koanf:"destination"`

	CheckTimeout  time.Duration `koanf:"check_timeout" validate:"gt=0"`
	ReportTimeout time.Duration `koanf:"report_timeout" validate:"gt=0"`
	Retries       int           `koanf:"retries" validate:"gte=0"`

	// NetworkFailOpen allows traffic through when a Check cannot reach the
	// control plane.
	NetworkFailOpen bool `koanf:"network_fail_open"`
}

// TokenConfig selects the credential source: a fixed token, or a token
// endpoint to subscribe to. Exactly one must be set.
type TokenConfig struct {
	Static      string `koanf:"static"`
	URL         string `koanf:"url" validate:"omitempty,url"`
	Destination string `koanf:"destination"`
}

// LogConfig controls the library's structured logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() map[string]any {
	return map[string]any{
		"control.check_timeout":     "5s",
		"control.report_timeout":    "15s",
		"control.retries":           3,
		"control.network_fail_open": true,
		"log.level":                 "info",
	}
}

// Load reads configuration. path names an optional YAML file; "" skips the
// file layer entirely.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate applies struct-tag validation plus the cross-field token rule.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Token.Static == "" && cfg.Token.URL == "" {
		return errors.New("token: either static or url must be set")
	}
	if cfg.Token.Static != "" && cfg.Token.URL != "" {
		return errors.New("token: static and url are mutually exclusive")
	}
	return nil
}
