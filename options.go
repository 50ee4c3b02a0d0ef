package lockingfs

import (
	"github.com/VictoriaMetrics/metrics"
)

// Config holds the configurable settings of a LockingFilesystem.
// Option functions modify fields within this struct.
type Config struct {
	// Name labels the metrics of this filesystem. Defaults to "default".
	Name string
	// Metrics receives the lock metrics. Defaults to a private set, available
	// through LockingFilesystem.Metrics.
	Metrics *metrics.Set
}

// Option is a function type that modifies the Config.
type Option func(cfg *Config) error

// WithName sets the value of the "fs" label on every metric, so that several
// filesystems can report into one set.
func WithName(name string) Option {
	return func(cfg *Config) error {
		if name == "" {
			return &ConfigError{"name cannot be empty"}
		}
		cfg.Name = name
		return nil
	}
}

// WithMetrics registers the lock metrics in set instead of a private one.
func WithMetrics(set *metrics.Set) Option {
	return func(cfg *Config) error {
		if set == nil {
			return &ConfigError{"metrics set cannot be nil"}
		}
		cfg.Metrics = set
		return nil
	}
}
