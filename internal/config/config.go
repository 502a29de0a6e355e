// Package config loads the trapcore YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const Filename = "trapcore.yaml"

const (
	DefaultUserBase         = 0x0000_0000_0100_0000
	DefaultUserSize         = 0x0000_ffff_fe00_0000
	DefaultStackDumpBytes   = 256
	DefaultCounterFrequency = 62_500_000
	DefaultRAMBase          = 0x4000_0000
	DefaultRAMSize          = 64 << 20
	DefaultPortDepth        = 64
	DefaultExitLogRate      = 10
	DefaultExitLogBurst     = 20
)

type Config struct {
	Version int `yaml:"version"`

	Host  HostConfig  `yaml:"host"`
	Guest GuestConfig `yaml:"guest"`
	Log   LogConfig   `yaml:"log"`
	Trace TraceConfig `yaml:"trace,omitempty"`
}

// HostConfig describes the host kernel's address layout.
type HostConfig struct {
	UserBase       uint64 `yaml:"userBase"`
	UserSize       uint64 `yaml:"userSize"`
	StackDumpBytes int    `yaml:"stackDumpBytes,omitempty"`
}

// UserRange is the range of addresses that belong to user space.
func (h HostConfig) UserRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(h.UserBase), End: hostarch.Addr(h.UserBase + h.UserSize)}
}

type GuestConfig struct {
	CPUs             int    `yaml:"cpus,omitempty"`
	RAMBase          uint64 `yaml:"ramBase,omitempty"`
	RAMSize          uint64 `yaml:"ramSize,omitempty"`
	CounterFrequency uint64 `yaml:"counterFrequency,omitempty"`
	PortDepth        int    `yaml:"portDepth,omitempty"`

	// ExitLogRate limits how many unsupported-exit log lines per second a
	// guest can cause.
	ExitLogRate  float64 `yaml:"exitLogRate,omitempty"`
	ExitLogBurst int     `yaml:"exitLogBurst,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", l.Level, err)
	}
	return level, nil
}

// TraceConfig names the optional trace outputs.
type TraceConfig struct {
	Debug     string `yaml:"debug,omitempty"`
	Timeslice string `yaml:"timeslice,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Host.UserBase == 0 && c.Host.UserSize == 0 {
		c.Host.UserBase = DefaultUserBase
		c.Host.UserSize = DefaultUserSize
	}
	if c.Host.StackDumpBytes == 0 {
		c.Host.StackDumpBytes = DefaultStackDumpBytes
	}
	if c.Guest.CPUs == 0 {
		c.Guest.CPUs = 1
	}
	if c.Guest.RAMBase == 0 {
		c.Guest.RAMBase = DefaultRAMBase
	}
	if c.Guest.RAMSize == 0 {
		c.Guest.RAMSize = DefaultRAMSize
	}
	if c.Guest.CounterFrequency == 0 {
		c.Guest.CounterFrequency = DefaultCounterFrequency
	}
	if c.Guest.PortDepth == 0 {
		c.Guest.PortDepth = DefaultPortDepth
	}
	if c.Guest.ExitLogRate == 0 {
		c.Guest.ExitLogRate = DefaultExitLogRate
	}
	if c.Guest.ExitLogBurst == 0 {
		c.Guest.ExitLogBurst = DefaultExitLogBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if _, ok := hostarch.Addr(c.Host.UserBase).ToRange(c.Host.UserSize); !ok || c.Host.UserSize == 0 {
		return fmt.Errorf("config: invalid user range %#x+%#x", c.Host.UserBase, c.Host.UserSize)
	}
	if c.Host.StackDumpBytes < 0 {
		return fmt.Errorf("config: negative stackDumpBytes")
	}
	if c.Guest.CPUs < 1 || c.Guest.CPUs > 64 {
		return fmt.Errorf("config: guest cpus %d out of range [1, 64]", c.Guest.CPUs)
	}
	if !hostarch.Addr(c.Guest.RAMBase).IsPageAligned() || !hostarch.Addr(c.Guest.RAMSize).IsPageAligned() {
		return fmt.Errorf("config: guest RAM %#x+%#x is not page aligned", c.Guest.RAMBase, c.Guest.RAMSize)
	}
	if c.Guest.ExitLogRate < 0 || c.Guest.ExitLogBurst < 0 || c.Guest.PortDepth < 0 {
		return fmt.Errorf("config: negative guest limits")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes c to path with defaults applied.
func Save(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
