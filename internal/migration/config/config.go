// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the settings of the schema migration engine from a
// YAML file.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/internal/migration/audit"
)

const (
	// DefaultLeaseTimeout is how long a lease stays valid without a
	// heartbeat.
	DefaultLeaseTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is how often held leases are renewed.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultDatabasePath is the sqlite file used when none is set.
	DefaultDatabasePath = "migrations.db"

	// DefaultLeaseRetryDelay is the pause between two attempts at taking
	// a contended lease within one run.
	DefaultLeaseRetryDelay = time.Second

	// DefaultRetryInterval is how often the worker retries schemas whose
	// lease was held elsewhere.
	DefaultRetryInterval = 30 * time.Second
)

// Config holds the settings of the migration engine.
type Config struct {
	// SingleWriter disables lease coordination. Only one process may
	// then migrate the store.
	SingleWriter bool `yaml:"single-writer"`

	LeaseTimeout      time.Duration `yaml:"lease-timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`

	// MaxAttempts and MaxRetryOutcomes are unbounded when zero.
	MaxAttempts      uint64 `yaml:"max-attempts"`
	MaxRetryOutcomes uint64 `yaml:"max-retry-outcomes"`

	// AuditRetention is the number of audit events kept per schema.
	AuditRetention int `yaml:"audit-retention"`

	DatabasePath string `yaml:"database-path"`

	// AuditLogDir, if set, receives a rotating copy of the audit trail.
	AuditLogDir string `yaml:"audit-log-dir"`

	// MaxConcurrency limits how many schemas migrate at once. Zero means
	// no limit.
	MaxConcurrency int `yaml:"max-concurrency"`

	// LeaseRetryAttempts is how many times a contended lease is tried
	// within one run before the schema is reported as rejected.
	LeaseRetryAttempts int           `yaml:"lease-retry-attempts"`
	LeaseRetryDelay    time.Duration `yaml:"lease-retry-delay"`

	RetryInterval time.Duration `yaml:"retry-interval"`
}

// Default returns the configuration used for every unset key.
func Default() Config {
	return Config{
		LeaseTimeout:       DefaultLeaseTimeout,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		AuditRetention:     audit.DefaultRetention,
		DatabasePath:       DefaultDatabasePath,
		LeaseRetryAttempts: 1,
		LeaseRetryDelay:    DefaultLeaseRetryDelay,
		RetryInterval:      DefaultRetryInterval,
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading migration config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Annotatef(err, "parsing %s", path)
	}
	return cfg, nil
}

// Parse reads and validates a YAML config document. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.NewNotValid(err, "migration config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error if the settings cannot work together.
func (c Config) Validate() error {
	if !c.SingleWriter {
		if c.LeaseTimeout <= 0 {
			return errors.NotValidf("lease-timeout %v", c.LeaseTimeout)
		}
		if c.HeartbeatInterval <= 0 {
			return errors.NotValidf("heartbeat-interval %v", c.HeartbeatInterval)
		}
		if 2*c.HeartbeatInterval >= c.LeaseTimeout {
			return errors.NotValidf("heartbeat-interval %v with lease-timeout %v", c.HeartbeatInterval, c.LeaseTimeout)
		}
	}
	if c.AuditRetention <= 0 {
		return errors.NotValidf("audit-retention %d", c.AuditRetention)
	}
	if c.DatabasePath == "" {
		return errors.NotValidf("empty database-path")
	}
	if c.MaxConcurrency < 0 {
		return errors.NotValidf("max-concurrency %d", c.MaxConcurrency)
	}
	if c.LeaseRetryAttempts <= 0 {
		return errors.NotValidf("lease-retry-attempts %d", c.LeaseRetryAttempts)
	}
	if c.LeaseRetryDelay <= 0 {
		return errors.NotValidf("lease-retry-delay %v", c.LeaseRetryDelay)
	}
	if c.RetryInterval <= 0 {
		return errors.NotValidf("retry-interval %v", c.RetryInterval)
	}
	return nil
}

// RetryPolicy returns the retry bounds of the config.
func (c Config) RetryPolicy() migration.RetryPolicy {
	return migration.RetryPolicy{
		MaxAttempts:      c.MaxAttempts,
		MaxRetryOutcomes: c.MaxRetryOutcomes,
	}
}
