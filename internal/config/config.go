// Package config holds the engine tuning knobs.  Values ship with
// compiled-in defaults and may be overridden from a YAML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Options are the engine tuning knobs.
type Options struct {
	// IngestBatchSize is the number of pending entries one consumer
	// batch takes.
	IngestBatchSize int `yaml:"ingest_batch_size"`
	// FetchConcurrency bounds in-flight message fetches per batch.
	FetchConcurrency int `yaml:"fetch_concurrency"`
	// PendingHighWater parks the producer when the pending queue
	// grows past it; PendingLowWater resumes it.
	PendingHighWater int `yaml:"pending_high_water"`
	PendingLowWater  int `yaml:"pending_low_water"`
	// MaxPendingAttempts marks a pending entry failed once its
	// attempt count reaches it.
	MaxPendingAttempts int `yaml:"max_pending_attempts"`
	// SyncCooldown rejects sync requests arriving too soon after the
	// previous success.
	SyncCooldown time.Duration `yaml:"sync_cooldown"`
	// HTTP timeouts for remote calls.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ProgressInterval coalesces progress events per phase.
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Default returns the compiled-in options.
func Default() Options {
	return Options{
		IngestBatchSize:    100,
		FetchConcurrency:   4,
		PendingHighWater:   10000,
		PendingLowWater:    5000,
		MaxPendingAttempts: 5,
		SyncCooldown:       30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		RequestTimeout:     30 * time.Second,
		ProgressInterval:   100 * time.Millisecond,
	}
}

// Load reads options from the first config file found, falling back
// to defaults when none exists.  A present but malformed file is an
// error.
func Load() (Options, error) {
	paths := []string{
		"./mailvault.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailvault", "config.yaml"))
	}

	for _, path := range paths {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			continue
		}
		return Parse(data)
	}
	return Default(), nil
}

// Parse decodes YAML over the defaults, so a file only needs the
// knobs it changes.
func Parse(data []byte) (Options, error) {
	opts := Default()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	return opts.normalized(), nil
}

func (o Options) normalized() Options {
	d := Default()
	if o.IngestBatchSize <= 0 {
		o.IngestBatchSize = d.IngestBatchSize
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = d.FetchConcurrency
	}
	if o.PendingHighWater <= 0 {
		o.PendingHighWater = d.PendingHighWater
	}
	if o.PendingLowWater <= 0 || o.PendingLowWater > o.PendingHighWater {
		o.PendingLowWater = o.PendingHighWater / 2
	}
	if o.MaxPendingAttempts <= 0 {
		o.MaxPendingAttempts = d.MaxPendingAttempts
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	return o
}
