// Package config loads the configuration of a coordinator from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of a coordinator.
type Config struct {
	// Debug enables hot-patching of definitions.
	Debug     bool      `yaml:"debug"`
	Recycle   Recycle   `yaml:"recycle"`
	Diff      Diff      `yaml:"diff"`
	Transport Transport `yaml:"transport"`
	Journal   Journal   `yaml:"journal"`
	Watch     Watch     `yaml:"watch"`
	Log       Log       `yaml:"log"`
}

// Recycle bounds the recycle pool of every list.
type Recycle struct {
	// Capacity is the number of parked entries per list; 0 is unbounded.
	Capacity int `yaml:"capacity"`
	// Window is the number of flushes a parked entry survives; 0 is forever.
	Window int `yaml:"window"`
}

type Diff struct {
	MaxProbe int `yaml:"max_probe"`
}

type Transport struct {
	// Buffer is the number of batches in flight.
	Buffer int `yaml:"buffer"`
}

type Journal struct {
	// Path of the bbolt journal. Empty disables journaling.
	Path string `yaml:"path"`
}

type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Log struct {
	// File receives the logs of every package. Empty discards them.
	File string `yaml:"file"`
}

// Errors returned by Validate.
var (
	ErrNegative = errors.New("must not be negative")
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Recycle:   Recycle{Capacity: 32, Window: 8},
		Transport: Transport{Buffer: 16},
		Watch:     Watch{Debounce: 100 * time.Millisecond},
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the bounds of numeric settings.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %w", name, ErrNegative))
		}
	}
	check("recycle.capacity", c.Recycle.Capacity)
	check("recycle.window", c.Recycle.Window)
	check("diff.max_probe", c.Diff.MaxProbe)
	check("transport.buffer", c.Transport.Buffer)
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce %w", ErrNegative))
	}
	return errors.Join(errs...)
}
