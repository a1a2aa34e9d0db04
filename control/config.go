// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Process configuration loaded from YAML. Sizes and counts are fixed at
// Init; the reloadable subset is applied through Store hooks.

package control

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/buffer"
	"github.com/momentics/hioload-netcore/internal/concurrency"
	"github.com/momentics/hioload-netcore/pool"
	"github.com/momentics/hioload-netcore/reactor"
)

// PoolConfig sizes the two block classes.
type PoolConfig struct {
	BigCount   int `yaml:"big_count"`
	BigSize    int `yaml:"big_size"`
	SmallCount int `yaml:"small_count"`
	SmallSize  int `yaml:"small_size"`
}

// BufferConfig bounds the net buffers.
type BufferConfig struct {
	Count         int  `yaml:"count"` // live net buffers, two per connection
	MaxMessageLen int  `yaml:"max_message_len"`
	Limit         int  `yaml:"limit"` // per-buffer backpressure threshold, 0 for none
	TGWScanBudget int  `yaml:"tgw_scan_budget"`
	ErrorLog      bool `yaml:"error_log"` // reloadable
}

// ReactorConfig selects and tunes the event engine.
type ReactorConfig struct {
	Kind            string        `yaml:"kind"`
	Threads         int           `yaml:"threads"`
	BatchSize       int           `yaml:"batch_size"`
	EventsPerWorker int           `yaml:"events_per_worker"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	PinWorkers      bool          `yaml:"pin_workers"`
}

// Config is the full process configuration.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Reactor ReactorConfig `yaml:"reactor"`
}

// DefaultConfig returns a configuration for about a thousand connections.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			BigCount:   4096,
			BigSize:    4096,
			SmallCount: 8192,
			SmallSize:  512,
		},
		Buffer: BufferConfig{
			Count:         2048,
			MaxMessageLen: 32 * 1024,
			Limit:         256 * 1024,
			TGWScanBudget: buffer.DefaultTGWScanBudget,
		},
		Reactor: ReactorConfig{
			Kind:            reactor.KindAuto.String(),
			Threads:         concurrency.DefaultThreads(),
			BatchSize:       4096,
			EventsPerWorker: 8,
			WaitTimeout:     50 * time.Millisecond,
		},
	}
}

// ParseConfig overlays YAML data on the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML file. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "marshal config")
}

func invalid(field string, value any, msg string) error {
	return api.NewError(api.ErrCodeInvalidArgument, msg).
		WithContext("field", field).
		WithContext("value", value)
}

// Validate rejects zero sizes and counts and limits too small for a
// maximum-length frame.
func (c Config) Validate() error {
	positive := []struct {
		field string
		value int
	}{
		{"pool.big_count", c.Pool.BigCount},
		{"pool.big_size", c.Pool.BigSize},
		{"pool.small_count", c.Pool.SmallCount},
		{"pool.small_size", c.Pool.SmallSize},
		{"buffer.count", c.Buffer.Count},
		{"buffer.max_message_len", c.Buffer.MaxMessageLen},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid(p.field, p.value, "must be positive")
		}
	}
	if c.Buffer.MaxMessageLen > 1<<30 {
		return invalid("buffer.max_message_len", c.Buffer.MaxMessageLen, "must fit a frame header")
	}
	if floor := c.Buffer.MaxMessageLen + 512 + buffer.HeaderSize; c.Buffer.Limit != 0 && c.Buffer.Limit <= floor {
		return invalid("buffer.limit", c.Buffer.Limit, "must exceed the largest compressed frame")
	}
	if c.Buffer.Limit < 0 || c.Buffer.TGWScanBudget < 0 {
		return invalid("buffer", c.Buffer, "negative limit or scan budget")
	}
	if _, err := reactor.ParseKind(c.Reactor.Kind); err != nil {
		return invalid("reactor.kind", c.Reactor.Kind, "unknown engine")
	}
	if c.Reactor.Threads < 0 || c.Reactor.BatchSize < 0 || c.Reactor.EventsPerWorker < 0 || c.Reactor.WaitTimeout < 0 {
		return invalid("reactor", c.Reactor, "negative tuning value")
	}
	return nil
}

// PoolSettings converts to the block pool configuration.
func (c Config) PoolSettings() pool.Config {
	return pool.Config{
		BigCount:   c.Pool.BigCount,
		BigSize:    c.Pool.BigSize,
		SmallCount: c.Pool.SmallCount,
		SmallSize:  c.Pool.SmallSize,
	}
}

// ManagerSettings converts to the buffer manager configuration.
func (c Config) ManagerSettings(p *pool.BlockPool) buffer.ManagerConfig {
	return buffer.ManagerConfig{
		Pool:          p,
		MaxMessageLen: c.Buffer.MaxMessageLen,
		BufferCount:   c.Buffer.Count,
		TGWScanBudget: c.Buffer.TGWScanBudget,
		ErrorLog:      c.Buffer.ErrorLog,
	}
}

// ReactorSettings converts to the reactor configuration.
func (c Config) ReactorSettings() (reactor.Config, error) {
	kind, err := reactor.ParseKind(c.Reactor.Kind)
	if err != nil {
		return reactor.Config{}, err
	}
	return reactor.Config{
		Kind:            kind,
		Threads:         c.Reactor.Threads,
		BatchSize:       c.Reactor.BatchSize,
		EventsPerWorker: c.Reactor.EventsPerWorker,
		WaitTimeout:     c.Reactor.WaitTimeout,
		PinWorkers:      c.Reactor.PinWorkers,
	}, nil
}
