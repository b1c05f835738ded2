// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
	databasetesting "github.com/marykdb/maryk-sub012/internal/database/testing"
	"github.com/marykdb/maryk-sub012/internal/migration/lease"
)

type stateSuite struct {
	databasetesting.SQLiteSuite

	state *State
}

var (
	_ = gc.Suite(&stateSuite{})

	_ migration.StateStore      = (*State)(nil)
	_ migration.AuditLogStore   = (*State)(nil)
	_ migration.DefinitionStore = (*State)(nil)
	_ corelease.Store           = (*State)(nil)
)

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.SQLiteSuite.SetUpTest(c)
	s.state = NewState(s.TxnRunner(), 3)
}

func (s *stateSuite) TestStateLifecycle(c *gc.C) {
	ctx := context.Background()

	_, found, err := s.state.ReadState(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)

	st := migration.State{
		MigrationID: "m1",
		Phase:       migration.BACKFILL,
		Status:      migration.StatusPartial,
		Attempt:     2,
		FromVersion: "1.0.0",
		ToVersion:   "2.0.0",
		Cursor:      []byte{0, 1, 2},
		Message:     "copied 200",
	}
	c.Assert(s.state.WriteState(ctx, 1, st), jc.ErrorIsNil)

	got, found, err := s.state.ReadState(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(got.Equal(st), jc.IsTrue)

	st.Phase = migration.VERIFY
	st.Cursor = nil
	c.Assert(s.state.WriteState(ctx, 1, st), jc.ErrorIsNil)
	got, _, err = s.state.ReadState(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Equal(st), jc.IsTrue)

	all, err := s.state.States(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(all, gc.HasLen, 1)

	c.Assert(s.state.ClearState(ctx, 1), jc.ErrorIsNil)
	c.Assert(s.state.ClearState(ctx, 1), jc.ErrorIsNil)
	_, found, err = s.state.ReadState(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)
}

func (s *stateSuite) TestStoredDocumentIsEncodedState(c *gc.C) {
	ctx := context.Background()
	st := migration.State{
		MigrationID: "m1",
		Phase:       migration.BACKFILL,
		Status:      migration.StatusRetry,
		Attempt:     2,
		ToVersion:   "2.0.0",
		Message:     "transient I/O error",
	}
	c.Assert(s.state.WriteState(ctx, 42, st), jc.ErrorIsNil)

	var data string
	err := s.TxnRunner().StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT data FROM schema_migration_state WHERE schema_id = 42").Scan(&data)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(data, gc.Equals, string(migration.EncodeState(st)))
}

func (s *stateSuite) TestUndecodableStateIsAbsent(c *gc.C) {
	ctx := context.Background()
	err := s.TxnRunner().StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO schema_migration_state (schema_id, data) VALUES (7, 'v=2
migrationId=m1')`)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	_, found, err := s.state.ReadState(ctx, 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)

	all, err := s.state.States(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(all, gc.HasLen, 0)
}

func (s *stateSuite) TestModifyLease(c *gc.C) {
	ctx := context.Background()
	expiry := time.UnixMilli(1700000010000).UTC()

	var seen []*corelease.Record
	modify := func(next *corelease.Record, write bool) corelease.ModifyFunc {
		return func(current *corelease.Record) (*corelease.Record, bool) {
			seen = append(seen, current)
			return next, write
		}
	}

	record := &corelease.Record{Owner: "a", MigrationID: "m1", ExpiresAt: expiry}
	c.Assert(s.state.ModifyLease(ctx, 1, modify(record, true)), jc.ErrorIsNil)
	c.Assert(s.state.ModifyLease(ctx, 1, modify(nil, false)), jc.ErrorIsNil)
	c.Assert(seen, gc.HasLen, 2)
	c.Assert(seen[0], gc.IsNil)
	c.Assert(seen[1].Owner, gc.Equals, "a")
	c.Assert(seen[1].MigrationID, gc.Equals, "m1")
	c.Assert(seen[1].ExpiresAt.Equal(expiry), jc.IsTrue)

	leases, err := s.state.Leases(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(leases, gc.HasLen, 1)
	c.Assert(leases[1].Owner, gc.Equals, "a")

	c.Assert(s.state.ModifyLease(ctx, 1, modify(nil, true)), jc.ErrorIsNil)
	leases, err = s.state.Leases(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(leases, gc.HasLen, 0)
}

func (s *stateSuite) TestModifyLeaseKeepsRowUUIDForSameHolder(c *gc.C) {
	ctx := context.Background()
	write := func(owner string, expiry int64) {
		err := s.state.ModifyLease(ctx, 1, func(*corelease.Record) (*corelease.Record, bool) {
			return &corelease.Record{Owner: owner, MigrationID: "m1", ExpiresAt: time.UnixMilli(expiry)}, true
		})
		c.Assert(err, jc.ErrorIsNil)
	}
	rowUUID := func() string {
		var id string
		err := s.TxnRunner().StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return tx.QueryRowContext(ctx, "SELECT uuid FROM schema_migration_lease WHERE schema_id = 1").Scan(&id)
		})
		c.Assert(err, jc.ErrorIsNil)
		return id
	}

	write("a", 1000)
	first := rowUUID()
	write("a", 2000)
	c.Assert(rowUUID(), gc.Equals, first)
	write("b", 3000)
	c.Assert(rowUUID(), gc.Not(gc.Equals), first)
}

func (s *stateSuite) TestModifyLeaseRejectsInvalidRecord(c *gc.C) {
	err := s.state.ModifyLease(context.Background(), 1, func(*corelease.Record) (*corelease.Record, bool) {
		return &corelease.Record{Owner: "a"}, true
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *stateSuite) TestCoordinatorsExcludeEachOther(c *gc.C) {
	clk := testclock.NewClock(time.UnixMilli(1700000000000))
	newCoordinator := func(owner string) *lease.Coordinator {
		coordinator, err := lease.NewCoordinator(lease.Config{
			Store:             s.state,
			Clock:             clk,
			Owner:             owner,
			LeaseTimeout:      10 * time.Second,
			HeartbeatInterval: 3 * time.Second,
		})
		c.Assert(err, jc.ErrorIsNil)
		s.AddCleanup(func(*gc.C) {
			coordinator.Kill()
			_ = coordinator.Wait()
		})
		return coordinator
	}

	var (
		mu      sync.Mutex
		winners []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		coordinator := newCoordinator(owner)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := coordinator.TryAcquire(context.Background(), 9, "m1")
			c.Check(err, jc.ErrorIsNil)
			if ok {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(winners, gc.HasLen, 1)

	leases, err := s.state.Leases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(leases[9].Owner, gc.Equals, winners[0])
}

func (s *stateSuite) TestAuditRetention(c *gc.C) {
	ctx := context.Background()
	event := func(n int) migration.AuditEvent {
		return migration.AuditEvent{
			Timestamp:   time.UnixMilli(1700000000000 + int64(n)).UTC(),
			MigrationID: "m1",
			Type:        migration.AuditPartial,
			Phase:       migration.BACKFILL,
			Attempt:     1,
			Message:     fmt.Sprintf("page %d", n),
		}
	}
	for i := 0; i < 5; i++ {
		c.Assert(s.state.Append(ctx, 1, event(i)), jc.ErrorIsNil)
	}
	c.Assert(s.state.Append(ctx, 2, event(99)), jc.ErrorIsNil)

	events, err := s.state.Read(ctx, 1, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(2), event(3), event(4)})

	events, err = s.state.Read(ctx, 1, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(3), event(4)})

	events, err = s.state.Read(ctx, 2, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(99)})

	events, err = s.state.Read(ctx, 3, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 0)
}

func (s *stateSuite) TestAuditStoresPersistedLine(c *gc.C) {
	ctx := context.Background()
	event := migration.AuditEvent{
		Timestamp:   time.UnixMilli(1700000000000),
		MigrationID: "m1",
		Type:        migration.AuditRetryScheduled,
		Phase:       migration.BACKFILL,
		Attempt:     2,
		Message:     "transient I/O error",
	}
	c.Assert(s.state.Append(ctx, 42, event), jc.ErrorIsNil)

	var line string
	err := s.TxnRunner().StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT line FROM schema_migration_audit WHERE schema_id = 42").Scan(&line)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(line, gc.Equals,
		"v=1;ts=1700000000000;model=42;migration=bTE=;type=RetryScheduled;phase=Backfill;attempt=2;message=dHJhbnNpZW50IEkvTyBlcnJvcg==")
}

func (s *stateSuite) TestDefinitions(c *gc.C) {
	ctx := context.Background()

	_, err := s.state.Definition(ctx, 5)
	c.Assert(err, jc.ErrorIs, errors.NotFound)

	def := schema.Definition{
		ID:           5,
		Name:         "Person",
		Version:      "1.0.0",
		Dependencies: []string{"Company"},
		Properties: []schema.Property{
			{Name: "employer", Kind: schema.ReferenceProperty, Target: "Company"},
		},
	}
	c.Assert(s.state.WriteDefinition(ctx, def), jc.ErrorIsNil)
	got, err := s.state.Definition(ctx, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, jc.DeepEquals, def)

	def.Version = "1.1.0"
	c.Assert(s.state.WriteDefinition(ctx, def), jc.ErrorIsNil)
	all, err := s.state.Definitions(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(all, jc.DeepEquals, map[schema.ID]schema.Definition{5: def})
}
