// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package driver runs schema migrations: it orders the schemas of a run by
// their dependencies, takes a lease per schema and steps each migration
// through its phases until it completes, fails or is interrupted.
package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/sequence"
)

// ErrAlreadyRunning is returned when a schema is migrated twice at the same
// time by one driver.
const ErrAlreadyRunning = errors.ConstError("migration already running")

// Logger represents the methods used by the driver to log messages.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds the dependencies and parameters of a Driver.
type Config struct {
	States      migration.StateStore
	Lease       migration.Lease
	Audit       migration.AuditLogStore
	Definitions migration.DefinitionStore
	Handler     migration.PhaseHandler
	Policy      migration.RetryPolicy
	Clock       clock.Clock
	Logger      Logger

	// OnDefinitionWritten is called after a completed migration wrote the
	// target definition. It is optional.
	OnDefinitionWritten migration.DefinitionWrittenFunc

	// NewMigrationID returns the identity of a new migration lineage.
	// It defaults to a new xid.
	NewMigrationID func() string

	// MaxConcurrency limits how many schemas migrate at once. Zero is
	// unlimited.
	MaxConcurrency int

	// LeaseRetryAttempts is how many times a held lease is asked for
	// before the schema is reported as LeaseRejected.
	LeaseRetryAttempts int

	// LeaseRetryDelay is the initial delay between lease attempts. It
	// doubles after every attempt.
	LeaseRetryDelay time.Duration

	// Metrics is optional.
	Metrics *Collector
}

// Validate returns an error if the config cannot be used to create a
// Driver.
func (config Config) Validate() error {
	if config.States == nil {
		return errors.NotValidf("nil States")
	}
	if config.Lease == nil {
		return errors.NotValidf("nil Lease")
	}
	if config.Audit == nil {
		return errors.NotValidf("nil Audit")
	}
	if config.Definitions == nil {
		return errors.NotValidf("nil Definitions")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.MaxConcurrency < 0 {
		return errors.NotValidf("negative MaxConcurrency")
	}
	if config.LeaseRetryAttempts < 1 {
		return errors.NotValidf("LeaseRetryAttempts %d", config.LeaseRetryAttempts)
	}
	if config.LeaseRetryDelay <= 0 {
		return errors.NotValidf("non-positive LeaseRetryDelay")
	}
	return nil
}

// ResultStatus describes how the migration of one schema ended.
type ResultStatus string

const (
	// ResultCompleted means the schema reached the end of its final phase.
	ResultCompleted ResultStatus = "completed"

	// ResultFailed means the migration failed and waits for an operator.
	ResultFailed ResultStatus = "failed"

	// ResultPaused means the migration stopped early and resumes on the
	// next run.
	ResultPaused ResultStatus = "paused"

	// ResultCanceled means the migration was canceled and its state
	// cleared.
	ResultCanceled ResultStatus = "canceled"

	// ResultLeaseRejected means another worker owns the schema.
	ResultLeaseRejected ResultStatus = "lease-rejected"

	// ResultBlocked means a dependency of the schema did not complete.
	ResultBlocked ResultStatus = "blocked"

	// ResultError means a storage operation failed.
	ResultError ResultStatus = "error"
)

// Result is the outcome of migrating one schema.
type Result struct {
	Status      ResultStatus
	MigrationID string
	Phase       migration.Phase
	Attempt     uint64
	Message     string

	// Err is set for ResultError.
	Err error
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.Message == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Message)
}

// Driver runs schema migrations.
type Driver struct {
	config Config

	mu      sync.Mutex
	running map[schema.ID]*control
}

// NewDriver returns a Driver using the given config.
func NewDriver(config Config) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.NewMigrationID == nil {
		config.NewMigrationID = func() string {
			return xid.New().String()
		}
	}
	return &Driver{
		config:  config,
		running: make(map[schema.ID]*control),
	}, nil
}

// Run migrates every schema in needs. The schemas are ordered by their
// dependencies first, and nothing is written if they cannot be ordered. A
// schema only starts once each of its dependencies in the run completed;
// if one did not, the schema is reported as blocked.
//
// The returned error is only set when the run could not start. The outcome
// of each schema is in its Result.
func (d *Driver) Run(ctx context.Context, needs map[schema.ID]schema.NeedsMigration) (map[schema.ID]Result, error) {
	targets := make(map[schema.ID]schema.Definition, len(needs))
	for id, need := range needs {
		if need.Target.ID != id {
			return nil, errors.NotValidf("migration of schema %d to schema %d", id, need.Target.ID)
		}
		if err := need.Validate(); err != nil {
			return nil, errors.Annotatef(err, "schema %d", id)
		}
		targets[id] = need.Target
	}
	order, err := sequence.Order(targets)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dependencies := sequence.Dependencies(targets)
	d.config.Logger.Debugf("migrating %d schemas in order %v", len(order), order)

	var (
		mu      sync.Mutex
		results = make(map[schema.ID]Result, len(order))
		done    = make(map[schema.ID]chan struct{}, len(order))
	)
	for _, id := range order {
		done[id] = make(chan struct{})
	}

	// Schemas are started in dependency order, so the earliest started
	// schema that has not finished never waits on a schema without a slot.
	var g errgroup.Group
	if d.config.MaxConcurrency > 0 {
		g.SetLimit(d.config.MaxConcurrency)
	}
	for _, id := range order {
		id := id
		g.Go(func() error {
			defer close(done[id])

			var blocked []string
			for _, dep := range dependencies[id] {
				<-done[dep]
				mu.Lock()
				status := results[dep].Status
				mu.Unlock()
				if status != ResultCompleted {
					blocked = append(blocked, fmt.Sprintf("%s (%s)", targets[dep].Name, status))
				}
			}

			var result Result
			if len(blocked) > 0 {
				result = Result{
					Status:  ResultBlocked,
					Message: fmt.Sprintf("dependencies not completed: %s", strings.Join(blocked, ", ")),
				}
				d.config.Metrics.recordResult(result.Status)
				d.config.Logger.Warningf("migration of schema %s: %s", needs[id].Target, result)
			} else {
				result = d.Migrate(ctx, id, needs[id])
			}

			mu.Lock()
			results[id] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Migrate runs the migration of a single schema, ignoring its
// dependencies.
func (d *Driver) Migrate(ctx context.Context, id schema.ID, need schema.NeedsMigration) Result {
	ctl, ok := d.register(id)
	if !ok {
		return Result{
			Status:  ResultError,
			Message: ErrAlreadyRunning.Error(),
			Err:     errors.Annotatef(ErrAlreadyRunning, "schema %d", id),
		}
	}
	defer d.unregister(id)

	d.config.Metrics.active(1)
	defer d.config.Metrics.active(-1)

	r := &schemaRun{
		config:  d.config,
		id:      id,
		need:    need,
		control: ctl,
	}
	result, err := r.run(ctx)
	if err != nil {
		d.config.Logger.Errorf("migrating schema %d: %v", id, err)
		result = r.result(ResultError, err.Error())
		result.Err = err
	}
	d.config.Metrics.recordResult(result.Status)
	d.config.Logger.Infof("migration of schema %s: %s", need.Target, result)
	return result
}

func (d *Driver) register(id schema.ID) (*control, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[id]; ok {
		return nil, false
	}
	ctl := newControl()
	d.running[id] = ctl
	return ctl, true
}

func (d *Driver) unregister(id schema.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
}

func (d *Driver) control(id schema.ID) *control {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id]
}
