// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/internal/migration/config"
)

type ConfigSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(new(ConfigSuite))

func (s *ConfigSuite) TestDefaultIsValid(c *gc.C) {
	c.Assert(config.Default().Validate(), jc.ErrorIsNil)
}

func (s *ConfigSuite) TestParseEmpty(c *gc.C) {
	cfg, err := config.Parse(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg, jc.DeepEquals, config.Default())
}

func (s *ConfigSuite) TestParse(c *gc.C) {
	cfg, err := config.Parse([]byte(`
lease-timeout: 1m
heartbeat-interval: 15s
max-attempts: 5
max-retry-outcomes: 1
audit-retention: 50
database-path: /var/lib/maryk/migrations.db
audit-log-dir: /var/log/maryk
max-concurrency: 4
lease-retry-attempts: 3
lease-retry-delay: 250ms
retry-interval: 2m
`))
	c.Assert(err, jc.ErrorIsNil)

	want := config.Default()
	want.LeaseTimeout = time.Minute
	want.HeartbeatInterval = 15 * time.Second
	want.MaxAttempts = 5
	want.MaxRetryOutcomes = 1
	want.AuditRetention = 50
	want.DatabasePath = "/var/lib/maryk/migrations.db"
	want.AuditLogDir = "/var/log/maryk"
	want.MaxConcurrency = 4
	want.LeaseRetryAttempts = 3
	want.LeaseRetryDelay = 250 * time.Millisecond
	want.RetryInterval = 2 * time.Minute
	c.Assert(cfg, jc.DeepEquals, want)
	c.Assert(cfg.RetryPolicy(), gc.Equals, migration.RetryPolicy{MaxAttempts: 5, MaxRetryOutcomes: 1})
}

func (s *ConfigSuite) TestParseUnknownKey(c *gc.C) {
	_, err := config.Parse([]byte("lease-time: 1m\n"))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ConfigSuite) TestParseBadDuration(c *gc.C) {
	_, err := config.Parse([]byte("lease-timeout: soon\n"))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ConfigSuite) TestValidate(c *gc.C) {
	for i, test := range []struct {
		modify func(*config.Config)
		err    string
	}{{
		modify: func(cfg *config.Config) { cfg.HeartbeatInterval = cfg.LeaseTimeout / 2 },
		err:    `heartbeat-interval 15s with lease-timeout 30s not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.LeaseTimeout = 0 },
		err:    `lease-timeout 0s not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.AuditRetention = 0 },
		err:    `audit-retention 0 not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.DatabasePath = "" },
		err:    `empty database-path not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.MaxConcurrency = -1 },
		err:    `max-concurrency -1 not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.LeaseRetryAttempts = 0 },
		err:    `lease-retry-attempts 0 not valid`,
	}, {
		modify: func(cfg *config.Config) { cfg.RetryInterval = 0 },
		err:    `retry-interval 0s not valid`,
	}} {
		c.Logf("test %d", i)
		cfg := config.Default()
		test.modify(&cfg)
		c.Check(cfg.Validate(), gc.ErrorMatches, test.err)
	}
}

func (s *ConfigSuite) TestSingleWriterSkipsLeaseChecks(c *gc.C) {
	cfg, err := config.Parse([]byte("single-writer: true\nlease-timeout: 0s\n"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.SingleWriter, jc.IsTrue)
}

func (s *ConfigSuite) TestLoad(c *gc.C) {
	path := filepath.Join(c.MkDir(), "migration.yaml")
	c.Assert(os.WriteFile(path, []byte("max-attempts: 9\n"), 0644), jc.ErrorIsNil)

	cfg, err := config.Load(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.MaxAttempts, gc.Equals, uint64(9))

	_, err = config.Load(filepath.Join(c.MkDir(), "missing.yaml"))
	c.Assert(err, gc.ErrorMatches, "reading migration config: .*")
}
