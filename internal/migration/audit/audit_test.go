// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package audit_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/audit"
)

type AuditSuite struct {
	testing.IsolationSuite
}

var (
	_ = gc.Suite(new(AuditSuite))

	_ migration.AuditLogStore = (*audit.MemoryStore)(nil)
	_ migration.AuditLogStore = (*audit.Recorder)(nil)
	_ audit.Mirror            = (*audit.FileMirror)(nil)
)

func event(n int) migration.AuditEvent {
	return migration.AuditEvent{
		Timestamp:   time.UnixMilli(1700000000000 + int64(n)).UTC(),
		MigrationID: "m1",
		Type:        migration.AuditPartial,
		Phase:       migration.BACKFILL,
		Attempt:     1,
		Message:     "page",
	}
}

func (s *AuditSuite) TestMemoryStoreRetention(c *gc.C) {
	store := audit.NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Assert(store.Append(ctx, 1, event(i)), jc.ErrorIsNil)
	}
	c.Assert(store.Append(ctx, 2, event(100)), jc.ErrorIsNil)

	events, err := store.Read(ctx, 1, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(2), event(3), event(4)})

	events, err = store.Read(ctx, 1, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(3), event(4)})

	events, err = store.Read(ctx, 2, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(100)})

	events, err = store.Read(ctx, 3, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 0)
}

func (s *AuditSuite) TestMemoryStoreTruncatesToMillis(c *gc.C) {
	store := audit.NewMemoryStore(0)
	e := event(0)
	e.Timestamp = e.Timestamp.Add(999 * time.Microsecond)
	c.Assert(store.Append(context.Background(), 1, e), jc.ErrorIsNil)

	events, err := store.Read(context.Background(), 1, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events[0].Timestamp, gc.Equals, event(0).Timestamp)
}

func (s *AuditSuite) TestMemoryStoreRejectsUnknownType(c *gc.C) {
	e := event(0)
	e.Type = "Exploded"
	err := audit.NewMemoryStore(0).Append(context.Background(), 1, e)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

type fakeMirror struct {
	ids    []schema.ID
	events []migration.AuditEvent
	err    error
}

func (m *fakeMirror) Mirror(id schema.ID, event migration.AuditEvent) error {
	m.ids = append(m.ids, id)
	m.events = append(m.events, event)
	return m.err
}

type failingStore struct {
	migration.AuditLogStore
}

func (failingStore) Append(context.Context, schema.ID, migration.AuditEvent) error {
	return errors.New("disk full")
}

func (s *AuditSuite) TestRecorder(c *gc.C) {
	store := audit.NewMemoryStore(0)
	mirror := &fakeMirror{err: errors.New("ignored")}
	recorder := audit.NewRecorder(store, mirror)
	ctx := context.Background()

	failed := event(1)
	failed.Type = migration.AuditFailed
	c.Assert(recorder.Append(ctx, 7, event(0)), jc.ErrorIsNil)
	c.Assert(recorder.Append(ctx, 7, failed), jc.ErrorIsNil)

	events, err := recorder.Read(ctx, 7, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(0), failed})
	c.Assert(mirror.ids, jc.DeepEquals, []schema.ID{7, 7})
	c.Assert(mirror.events, jc.DeepEquals, events)
}

func (s *AuditSuite) TestRecorderStoreError(c *gc.C) {
	mirror := &fakeMirror{}
	recorder := audit.NewRecorder(failingStore{}, mirror)

	err := recorder.Append(context.Background(), 7, event(0))
	c.Assert(err, gc.ErrorMatches, "recording Partial for schema 7: disk full")
	c.Assert(mirror.events, gc.HasLen, 0)
}

func (s *AuditSuite) TestFileMirror(c *gc.C) {
	dir := filepath.Join(c.MkDir(), "audit")
	mirror, err := audit.NewFileMirror(dir)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(mirror.Mirror(1, event(0)), jc.ErrorIsNil)
	c.Assert(mirror.Mirror(2, event(1)), jc.ErrorIsNil)
	c.Assert(mirror.Close(), jc.ErrorIsNil)

	path := filepath.Join(dir, audit.FileName)
	info, err := os.Stat(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(info.Mode().Perm(), gc.Equals, os.FileMode(0600))

	f, err := os.Open(path)
	c.Assert(err, jc.ErrorIsNil)
	defer f.Close()

	var (
		ids    []schema.ID
		events []migration.AuditEvent
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id, e, err := migration.DecodeAuditEvent(scanner.Text())
		c.Assert(err, jc.ErrorIsNil)
		ids = append(ids, id)
		events = append(events, e)
	}
	c.Assert(scanner.Err(), jc.ErrorIsNil)
	c.Assert(ids, jc.DeepEquals, []schema.ID{1, 2})
	c.Assert(events, jc.DeepEquals, []migration.AuditEvent{event(0), event(1)})
}
