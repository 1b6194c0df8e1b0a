package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Duration wraps time.Duration so it can be written as "500ms" or "2s" in a
// TOML file.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config configures a repository.
type Config struct {
	LogLevel string `toml:"log-level"`

	// LockTimeout bounds every blocking lock acquisition performed on
	// behalf of a store. Zero disables the bound.
	LockTimeout Duration `toml:"lock-timeout"`
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:    getLogLevel(),
		LockTimeout: NewDuration(500 * time.Millisecond),
	}
}

func (c *Config) Validate() error {
	if c.LockTimeout.Duration < 0 {
		return errors.Errorf("lock timeout must not be negative, got %s", c.LockTimeout)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		return errors.Errorf("unrecognized log level %q", c.LogLevel)
	}
	return nil
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
