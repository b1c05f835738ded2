// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease coordinates which process may migrate a schema, using lease
// records kept in a shared store and renewed by background heartbeats.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/schema"
)

var logger = loggo.GetLogger("maryk.migration.lease")

// ErrStopped is returned when acquiring a lease after the coordinator was
// killed.
const ErrStopped = errors.ConstError("lease coordinator stopped")

// Config holds the dependencies and parameters of a Coordinator.
type Config struct {
	// Store persists the lease records shared by every coordinator.
	Store corelease.Store

	// Clock is used for expiry times and heartbeat scheduling.
	Clock clock.Clock

	// Owner identifies this process in lease records. A random token
	// is generated when it is empty.
	Owner string

	// LeaseTimeout is how long a lease stays valid after it was last
	// written.
	LeaseTimeout time.Duration

	// HeartbeatInterval is how often a held lease is renewed.
	HeartbeatInterval time.Duration
}

// Validate returns an error if the config cannot be used to start a
// Coordinator.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if err := corelease.ValidateString(config.Owner); err != nil {
		return errors.Annotatef(err, "invalid Owner")
	}
	if config.LeaseTimeout <= 0 {
		return errors.NotValidf("non-positive LeaseTimeout")
	}
	if config.HeartbeatInterval <= 0 {
		return errors.NotValidf("non-positive HeartbeatInterval")
	}
	if 2*config.HeartbeatInterval >= config.LeaseTimeout {
		return errors.NotValidf("HeartbeatInterval %v not less than half of LeaseTimeout %v",
			config.HeartbeatInterval, config.LeaseTimeout)
	}
	return nil
}

// Coordinator grants schema leases through a shared corelease.Store and keeps
// them alive with one heartbeat per held lease.
type Coordinator struct {
	config Config

	// locks serialises acquire and release of the same schema.
	locks *kmutex.Kmutex

	mu         sync.Mutex
	heartbeats map[schema.ID]*heartbeat
	stopped    bool
	stopping   []*heartbeat
	dead       chan struct{}
}

// NewCoordinator returns a Coordinator using the given config.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Owner == "" {
		config.Owner = uuid.NewString()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Coordinator{
		config:     config,
		locks:      kmutex.New(),
		heartbeats: make(map[schema.ID]*heartbeat),
		dead:       make(chan struct{}),
	}, nil
}

// Owner returns the token written into lease records held by this
// coordinator.
func (c *Coordinator) Owner() string {
	return c.config.Owner
}

// TryAcquire is part of the migration.Lease interface. The lease is granted
// if nobody holds it, if the current holder let it expire, or if this
// coordinator already holds it for the same migration.
func (c *Coordinator) TryAcquire(ctx context.Context, id schema.ID, migrationID string) (bool, error) {
	if err := corelease.ValidateString(migrationID); err != nil {
		return false, errors.Annotatef(err, "invalid migration id")
	}
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return false, ErrStopped
	}

	now := c.config.Clock.Now()
	var (
		granted bool
		holder  corelease.Record
	)
	err := c.config.Store.ModifyLease(ctx, id, func(current *corelease.Record) (*corelease.Record, bool) {
		if current != nil && !current.Expired(now) && !current.HeldBy(c.config.Owner, migrationID) {
			granted, holder = false, *current
			return nil, false
		}
		granted = true
		return c.record(migrationID, now), true
	})
	if err != nil {
		return false, errors.Annotatef(err, "acquiring lease for schema %d", id)
	}
	if !granted {
		logger.Debugf("lease for schema %d held by %s for migration %s until %s",
			id, holder.Owner, holder.MigrationID, holder.ExpiresAt.UTC().Format(time.RFC3339))
		return false, nil
	}
	logger.Debugf("acquired lease for schema %d migration %s", id, migrationID)
	c.startHeartbeat(id, migrationID)
	return true, nil
}

// Release is part of the migration.Lease interface. The heartbeat of the
// lease is stopped before the record is removed, and the record is only
// removed if it still shows this coordinator and migration.
func (c *Coordinator) Release(ctx context.Context, id schema.ID, migrationID string) error {
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	c.stopHeartbeat(id)

	var released bool
	err := c.config.Store.ModifyLease(ctx, id, func(current *corelease.Record) (*corelease.Record, bool) {
		if current == nil || !current.HeldBy(c.config.Owner, migrationID) {
			return nil, false
		}
		released = true
		return nil, true
	})
	if err != nil {
		return errors.Annotatef(err, "releasing lease for schema %d", id)
	}
	if released {
		logger.Debugf("released lease for schema %d migration %s", id, migrationID)
	}
	return nil
}

// Kill stops every heartbeat without releasing the leases, which then
// expire on their own. No lease can be acquired afterwards.
func (c *Coordinator) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.dead)
	for id, hb := range c.heartbeats {
		hb.tomb.Kill(nil)
		c.stopping = append(c.stopping, hb)
		delete(c.heartbeats, id)
	}
}

// Wait blocks until the coordinator is killed and every heartbeat has
// finished. Together with Kill it makes the coordinator a worker.
func (c *Coordinator) Wait() error {
	<-c.dead
	c.mu.Lock()
	stopping := c.stopping
	c.stopping = nil
	c.mu.Unlock()

	for _, hb := range stopping {
		if err := hb.tomb.Wait(); err != nil {
			logger.Warningf("heartbeat for schema %d: %v", hb.id, err)
		}
	}
	return nil
}

func (c *Coordinator) record(migrationID string, now time.Time) *corelease.Record {
	return &corelease.Record{
		Owner:       c.config.Owner,
		MigrationID: migrationID,
		ExpiresAt:   time.UnixMilli(now.Add(c.config.LeaseTimeout).UnixMilli()),
	}
}

func (c *Coordinator) startHeartbeat(id schema.ID, migrationID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	existing := c.heartbeats[id]
	if existing != nil && existing.migrationID == migrationID && existing.tomb.Alive() {
		c.mu.Unlock()
		return
	}
	hb := &heartbeat{
		id:          id,
		migrationID: migrationID,
		coordinator: c,
	}
	c.heartbeats[id] = hb
	hb.tomb.Go(hb.loop)
	c.mu.Unlock()

	if existing != nil {
		existing.tomb.Kill(nil)
		_ = existing.tomb.Wait()
	}
}

func (c *Coordinator) stopHeartbeat(id schema.ID) {
	c.mu.Lock()
	hb := c.heartbeats[id]
	delete(c.heartbeats, id)
	c.mu.Unlock()

	if hb == nil {
		return
	}
	hb.tomb.Kill(nil)
	if err := hb.tomb.Wait(); err != nil {
		logger.Warningf("heartbeat for schema %d: %v", id, err)
	}
}

// renew extends the lease if the record still shows this coordinator and
// migration. It returns false once the lease was lost.
func (c *Coordinator) renew(ctx context.Context, id schema.ID, migrationID string) (bool, error) {
	now := c.config.Clock.Now()
	var held bool
	err := c.config.Store.ModifyLease(ctx, id, func(current *corelease.Record) (*corelease.Record, bool) {
		if current == nil || !current.HeldBy(c.config.Owner, migrationID) {
			return nil, false
		}
		held = true
		return c.record(migrationID, now), true
	})
	return held, errors.Trace(err)
}

type heartbeat struct {
	tomb        tomb.Tomb
	id          schema.ID
	migrationID string
	coordinator *Coordinator
}

func (hb *heartbeat) loop() error {
	ctx := hb.tomb.Context(context.Background())
	interval := hb.coordinator.config.HeartbeatInterval
	for {
		select {
		case <-hb.tomb.Dying():
			return tomb.ErrDying
		case <-hb.coordinator.config.Clock.After(interval):
		}

		held, err := hb.coordinator.renew(ctx, hb.id, hb.migrationID)
		if err != nil {
			select {
			case <-hb.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			logger.Warningf("renewing lease for schema %d: %v", hb.id, err)
			continue
		}
		if !held {
			logger.Infof("lease for schema %d migration %s lost, stopping heartbeat", hb.id, hb.migrationID)
			return nil
		}
		logger.Tracef("renewed lease for schema %d migration %s", hb.id, hb.migrationID)
	}
}
