package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the config file looked up inside a client data directory.
const FileName = "puncture.toml"

// Config holds client tunables. Durations are whole seconds in the file.
type Config struct {
	RequestTimeout int     `toml:"request_timeout"`
	LnurlTimeout   int     `toml:"lnurl_timeout"`
	EventPollWait  int     `toml:"event_poll_wait"`
	EventPollRate  float64 `toml:"event_poll_rate"`
	EventPollBurst int     `toml:"event_poll_burst"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		RequestTimeout: 30,
		LnurlTimeout:   15,
		EventPollWait:  25,
		EventPollRate:  5,
		EventPollBurst: 5,
	}
}

// Load reads dataDir/puncture.toml on top of the defaults and applies
// PUNCTURE_* environment overrides. A missing file is not an error.
func Load(dataDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dataDir, FileName)
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would stall or spin the client.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %d", c.RequestTimeout)
	}
	if c.LnurlTimeout <= 0 {
		return fmt.Errorf("lnurl_timeout must be positive, got %d", c.LnurlTimeout)
	}
	if c.EventPollWait <= 0 {
		return fmt.Errorf("event_poll_wait must be positive, got %d", c.EventPollWait)
	}
	if c.EventPollWait >= c.RequestTimeout {
		return fmt.Errorf("event_poll_wait (%d) must be shorter than request_timeout (%d)", c.EventPollWait, c.RequestTimeout)
	}
	if c.EventPollRate <= 0 {
		return fmt.Errorf("event_poll_rate must be positive, got %v", c.EventPollRate)
	}
	if c.EventPollBurst < 1 {
		return fmt.Errorf("event_poll_burst must be at least 1, got %d", c.EventPollBurst)
	}
	return nil
}

func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *Config) LnurlTimeoutDuration() time.Duration {
	return time.Duration(c.LnurlTimeout) * time.Second
}

func (c *Config) EventPollWaitDuration() time.Duration {
	return time.Duration(c.EventPollWait) * time.Second
}

// Write stores c as dataDir/puncture.toml.
func Write(dataDir string, c Config) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600)
}

func applyEnvOverrides(c *Config) {
	c.RequestTimeout = envIntWithFallback("PUNCTURE_REQUEST_TIMEOUT", c.RequestTimeout)
	c.LnurlTimeout = envIntWithFallback("PUNCTURE_LNURL_TIMEOUT", c.LnurlTimeout)
	c.EventPollWait = envIntWithFallback("PUNCTURE_EVENT_POLL_WAIT", c.EventPollWait)
	c.EventPollBurst = envIntWithFallback("PUNCTURE_EVENT_POLL_BURST", c.EventPollBurst)
	if raw := envString("PUNCTURE_EVENT_POLL_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.EventPollRate = v
		}
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
