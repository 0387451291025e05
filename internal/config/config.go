package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RestBaseURL string `yaml:"rest_base_url"`
	StreamURL   string `yaml:"stream_url"`
	BindAddr    string `yaml:"bind_addr"`

	CacheTTLSeconds    int `yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
	PollSeconds        int `yaml:"poll_seconds"`
	IntradayLimit      int `yaml:"intraday_limit"`

	Session struct {
		TimezoneName     string `yaml:"timezone_name"`
		UTCOffsetMinutes int    `yaml:"utc_offset_minutes"`
		OpenMinute       int    `yaml:"open_minute"`
		CloseMinute      int    `yaml:"close_minute"`
	} `yaml:"session"`

	Reconnect struct {
		BaseDelayMs int `yaml:"base_delay_ms"`
		MaxDelayMs  int `yaml:"max_delay_ms"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"reconnect"`

	Strategy struct {
		URL   string `yaml:"url"`
		Model string `yaml:"model"`
	} `yaml:"strategy"`
}

func (c *Config) Validate() error {
	if c.RestBaseURL == "" {
		return errors.New("rest_base_url cannot be empty")
	}
	if c.StreamURL == "" {
		return errors.New("stream_url cannot be empty")
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("cache_ttl_seconds must be positive, got %d", c.CacheTTLSeconds)
	}
	if c.PollSeconds <= 0 {
		return fmt.Errorf("poll_seconds must be positive, got %d", c.PollSeconds)
	}
	// The poll path exists to bypass cache staleness during stream outages.
	if c.PollSeconds >= c.CacheTTLSeconds {
		return fmt.Errorf("poll_seconds (%d) must be shorter than cache_ttl_seconds (%d)", c.PollSeconds, c.CacheTTLSeconds)
	}
	if c.Session.OpenMinute < 0 || c.Session.OpenMinute >= 24*60 {
		return fmt.Errorf("session.open_minute out of range: %d", c.Session.OpenMinute)
	}
	if c.Session.CloseMinute <= c.Session.OpenMinute || c.Session.CloseMinute >= 24*60 {
		return fmt.Errorf("session.close_minute must be after open_minute and within the day, got %d", c.Session.CloseMinute)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseDelayMs <= 0 || c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return fmt.Errorf("reconnect delays invalid: base=%dms max=%dms", c.Reconnect.BaseDelayMs, c.Reconnect.MaxDelayMs)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	applyDefaults(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

func applyDefaults(c *Config) {
	if c.BindAddr == "" {
		c.BindAddr = ":8080"
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 300
	}
	if c.HTTPTimeoutSeconds == 0 {
		c.HTTPTimeoutSeconds = 15
	}
	if c.PollSeconds == 0 {
		c.PollSeconds = 5
	}
	if c.IntradayLimit == 0 {
		c.IntradayLimit = 375
	}
	if c.Session.TimezoneName == "" {
		c.Session.TimezoneName = "IST"
	}
	if c.Session.UTCOffsetMinutes == 0 {
		c.Session.UTCOffsetMinutes = 330
	}
	if c.Session.OpenMinute == 0 {
		c.Session.OpenMinute = 9*60 + 15
	}
	if c.Session.CloseMinute == 0 {
		c.Session.CloseMinute = 15*60 + 30
	}
	if c.Reconnect.BaseDelayMs == 0 {
		c.Reconnect.BaseDelayMs = 1000
	}
	if c.Reconnect.MaxDelayMs == 0 {
		c.Reconnect.MaxDelayMs = 30000
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
}

// CacheTTL returns the candle-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// HTTPTimeout returns the REST client timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// PollInterval returns the polling-fallback cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
