// Package config reads the optional eboot.yaml boot configuration from the
// boot volume. A missing file means defaults; a present but malformed file
// is an error, surfaced before anything is allocated.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"gopkg.in/yaml.v3"
)

const (
	Filename          = "eboot.yaml"
	DefaultKernelPath = "KERNEL"
)

// Config is the boot configuration. Paths follow io/fs rules; the volume
// adapter translates them to firmware device paths.
type Config struct {
	Version int     `yaml:"version"`
	Kernel  Kernel  `yaml:"kernel"`
	Console Console `yaml:"console,omitempty"`
}

type Kernel struct {
	Path    string `yaml:"path"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

type Console struct {
	LogLevel string `yaml:"logLevel,omitempty"`
	Quiet    bool   `yaml:"quiet,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Kernel.Path == "" {
		c.Kernel.Path = DefaultKernelPath
	}
	if c.Console.LogLevel == "" {
		c.Console.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if !fs.ValidPath(c.Kernel.Path) {
		return fmt.Errorf("invalid kernel path %q", c.Kernel.Path)
	}
	if _, err := c.Console.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps the configured log level onto slog.
func (c Console) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
}

// Default is the configuration used when no eboot.yaml exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads and validates eboot.yaml from the boot volume.
func Load(vol fs.FS) (Config, error) {
	data, err := fs.ReadFile(vol, Filename)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", Filename, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", Filename, err)
	}
	return c, nil
}
