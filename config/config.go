// Package config loads relay settings from a .env file, an optional YAML file
// and the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	vapirelay "github.com/agentplexus/vapi-relay"
)

// Environment variable names.
const (
	EnvAPIKey           = "VAPI_API_KEY"
	EnvAssistantID      = "VAPI_ASSISTANT_ID"
	EnvPort             = "PORT"
	EnvAPIBaseURL       = "VAPI_API_BASE_URL"
	EnvEncoding         = "RELAY_ENCODING"
	EnvSampleRate       = "RELAY_SAMPLE_RATE"
	EnvProvisionTimeout = "PROVISION_TIMEOUT"
	EnvProvisionRetries = "PROVISION_RETRIES"
	EnvHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	EnvLogLevel         = "LOG_LEVEL"
	EnvEnv              = "ENV"
)

// DotEnvFile is read from the working directory when present.
const DotEnvFile = ".env"

// ConfigError reports configuration that prevents the relay from starting.
type ConfigError struct {
	// Missing lists required keys that were not set.
	Missing []string
	// Key names a key whose value could not be used.
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid %s: %v", e.Key, e.Err)
	}
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config holds the relay settings.
type Config struct {
	APIKey      string `yaml:"vapi_api_key"`
	AssistantID string `yaml:"vapi_assistant_id"`
	APIBaseURL  string `yaml:"vapi_api_base_url"`

	Port       int    `yaml:"port"`
	Encoding   string `yaml:"relay_encoding"`
	SampleRate int    `yaml:"relay_sample_rate"`

	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	ProvisionRetries int           `yaml:"provision_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// DotEnvLoaded reports whether a .env file was found.
	DotEnvLoaded bool `yaml:"-"`
}

// Default returns a Config with defaults for every optional key.
func Default() *Config {
	return &Config{
		Port:             vapirelay.DefaultPort,
		Encoding:         vapirelay.EncodingRaw,
		SampleRate:       vapirelay.DefaultSampleRate,
		ProvisionTimeout: 15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		LogLevel:         "info",
	}
}

// Load builds a Config. The .env file never overrides variables already set
// in the environment. path may be empty, in which case no YAML file is read.
// Load does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(DotEnvFile); err == nil {
		cfg.DotEnvLoaded = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigError{Key: DotEnvFile, Err: err}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Key: "config file", Err: err}
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, &ConfigError{Key: "config file", Err: err}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.APIKey, EnvAPIKey)
	setString(&c.AssistantID, EnvAssistantID)
	setString(&c.APIBaseURL, EnvAPIBaseURL)
	setString(&c.Encoding, EnvEncoding)
	setString(&c.LogLevel, EnvLogLevel)
	setString(&c.Env, EnvEnv)

	if err := setInt(&c.Port, EnvPort); err != nil {
		return err
	}
	if err := setInt(&c.SampleRate, EnvSampleRate); err != nil {
		return err
	}
	if err := setInt(&c.ProvisionRetries, EnvProvisionRetries); err != nil {
		return err
	}
	if err := setDuration(&c.ProvisionTimeout, EnvProvisionTimeout); err != nil {
		return err
	}
	return setDuration(&c.HandshakeTimeout, EnvHandshakeTimeout)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &ConfigError{Key: key, Err: err}
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &ConfigError{Key: key, Err: err}
	}
	*dst = d
	return nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if c.AssistantID == "" {
		missing = append(missing, EnvAssistantID)
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}

	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Key: EnvPort, Err: fmt.Errorf("port %d out of range", c.Port)}
	}
	switch c.Encoding {
	case vapirelay.EncodingRaw, vapirelay.EncodingStreamAction:
	default:
		return &ConfigError{Key: EnvEncoding, Err: fmt.Errorf("unknown encoding %q", c.Encoding)}
	}
	if c.SampleRate <= 0 {
		return &ConfigError{Key: EnvSampleRate, Err: fmt.Errorf("must be positive, got %d", c.SampleRate)}
	}
	if c.ProvisionRetries < 0 {
		return &ConfigError{Key: EnvProvisionRetries, Err: fmt.Errorf("must not be negative, got %d", c.ProvisionRetries)}
	}
	return nil
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Production reports whether ENV is "production".
func (c *Config) Production() bool {
	return c.Env == "production"
}
