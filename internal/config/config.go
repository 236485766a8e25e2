// Package config loads the virtctl configuration file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/virtio"
)

const (
	DefaultCompletionTimeout = 5 * time.Second
	DefaultResetTimeout      = time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config is the on-disk configuration.
type Config struct {
	// Device is the PCI address of the function to drive, e.g. 0000:00:04.0.
	Device string `yaml:"device,omitempty"`
	// Interrupt is the UIO device delivering the function's interrupt.
	Interrupt string `yaml:"interrupt,omitempty"`

	Features FeaturesConfig `yaml:"features"`
	Queues   QueuesConfig   `yaml:"queues"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type FeaturesConfig struct {
	Require []string `yaml:"require,omitempty"`
	Accept  []string `yaml:"accept,omitempty"`
}

type QueuesConfig struct {
	Max     int    `yaml:"max,omitempty"`
	MaxSize uint16 `yaml:"max_size,omitempty"`
	Layout  string `yaml:"layout,omitempty"`
}

type TimeoutsConfig struct {
	Completion time.Duration `yaml:"completion,omitempty"`
	Reset      time.Duration `yaml:"reset,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Timeouts.Completion == 0 {
		c.Timeouts.Completion = DefaultCompletionTimeout
	}
	if c.Timeouts.Reset == 0 {
		c.Timeouts.Reset = DefaultResetTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Queues.Layout == "" {
		c.Queues.Layout = virtio.LayoutSplit.String()
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Device != "" {
		if _, err := pci.ParseAddress(c.Device); err != nil {
			return fmt.Errorf("device: %w", err)
		}
	}
	if _, err := c.features(c.Features.Require); err != nil {
		return fmt.Errorf("features.require: %w", err)
	}
	if _, err := c.features(c.Features.Accept); err != nil {
		return fmt.Errorf("features.accept: %w", err)
	}
	if c.Queues.Max < 0 {
		return fmt.Errorf("queues.max must not be negative")
	}
	if n := c.Queues.MaxSize; n != 0 && n&(n-1) != 0 {
		return fmt.Errorf("queues.max_size %d is not a power of two", n)
	}
	if _, err := c.Layout(); err != nil {
		return fmt.Errorf("queues.layout: %w", err)
	}
	if c.Timeouts.Completion < 0 || c.Timeouts.Reset < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := c.level(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c Config) features(names []string) ([]virtio.Feature, error) {
	out := make([]virtio.Feature, 0, len(names))
	for _, name := range names {
		f, err := virtio.ParseFeature(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Policy builds the feature policy: required features must be offered and
// accepted ones are taken when they are.
func (c Config) Policy() (virtio.FeaturePolicy, error) {
	required, err := c.features(c.Features.Require)
	if err != nil {
		return nil, err
	}
	accepted, err := c.features(c.Features.Accept)
	if err != nil {
		return nil, err
	}
	return virtio.RequireFeatures(required, accepted...), nil
}

// Layout returns the configured ring layout.
func (c Config) Layout() (virtio.Layout, error) {
	return virtio.ParseLayout(c.Queues.Layout)
}

// Address parses the configured PCI address.
func (c Config) Address() (pci.Address, error) {
	if c.Device == "" {
		return pci.Address{}, fmt.Errorf("no device configured")
	}
	return pci.ParseAddress(c.Device)
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, err
	}
	return l, nil
}

// Logger builds the logger described by the log section, writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Options translates the configuration into transport options. Mapper,
// Interrupts and Registerer are left for the caller.
func (c Config) Options(log *slog.Logger) (virtio.Options, error) {
	policy, err := c.Policy()
	if err != nil {
		return virtio.Options{}, err
	}
	layout, err := c.Layout()
	if err != nil {
		return virtio.Options{}, err
	}
	return virtio.Options{
		Policy:       policy,
		Logger:       log,
		MaxQueues:    c.Queues.Max,
		MaxQueueSize: c.Queues.MaxSize,
		Layout:       layout,
		ResetTimeout: c.Timeouts.Reset,
	}, nil
}
