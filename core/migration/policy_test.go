// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/marykdb/maryk-sub012/core/migration"
)

type PolicySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(new(PolicySuite))

func runningState(phase migration.Phase) migration.State {
	return migration.State{
		MigrationID: "m1",
		Phase:       phase,
		Status:      migration.StatusRunning,
		Attempt:     1,
		ToVersion:   "2.0.0",
	}
}

func (s *PolicySuite) TestSuccessAdvances(c *gc.C) {
	current := runningState(migration.BACKFILL)
	current.Status = migration.StatusPartial
	current.Cursor = []byte("x")
	current.Message = "half way"

	d := migration.Classify(migration.Success{}, current, migration.RetryPolicy{}, 3)
	c.Assert(d.Kind, gc.Equals, migration.Advance)
	c.Assert(d.Done, jc.IsFalse)
	c.Assert(d.ConsecutiveRetries, gc.Equals, uint64(0))
	c.Assert(d.Next.Phase, gc.Equals, migration.VERIFY)
	c.Assert(d.Next.Status, gc.Equals, migration.StatusRunning)
	c.Assert(d.Next.Cursor, gc.IsNil)
	c.Assert(d.Next.Message, gc.Equals, "")
	c.Assert(d.Next.Attempt, gc.Equals, uint64(1))
}

func (s *PolicySuite) TestSuccessInLegacyPhaseAdvances(c *gc.C) {
	d := migration.Classify(migration.Success{}, runningState(migration.STARTUP), migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.Advance)
	c.Assert(d.Next.Phase, gc.Equals, migration.BACKFILL)
}

func (s *PolicySuite) TestSuccessInContractCompletes(c *gc.C) {
	d := migration.Classify(migration.Success{}, runningState(migration.CONTRACT), migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.Advance)
	c.Assert(d.Done, jc.IsTrue)
}

func (s *PolicySuite) TestSuccessInUnknownPhaseFails(c *gc.C) {
	d := migration.Classify(migration.Success{}, runningState(migration.UNKNOWN), migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.Fail)
	c.Assert(d.Next.Status, gc.Equals, migration.StatusFailed)
}

func (s *PolicySuite) TestPartialContinues(c *gc.C) {
	d := migration.Classify(migration.Partial{Cursor: []byte("page-2"), Message: "copied 100"},
		runningState(migration.BACKFILL), migration.RetryPolicy{MaxAttempts: 1}, 4)
	c.Assert(d.Kind, gc.Equals, migration.Continue)
	c.Assert(d.ConsecutiveRetries, gc.Equals, uint64(0))
	c.Assert(d.Next.Phase, gc.Equals, migration.BACKFILL)
	c.Assert(d.Next.Status, gc.Equals, migration.StatusPartial)
	c.Assert(d.Next.Attempt, gc.Equals, uint64(1))
	c.Assert(d.Next.Cursor, jc.DeepEquals, []byte("page-2"))
	c.Assert(d.Next.Message, gc.Equals, "copied 100")
}

func (s *PolicySuite) TestRetrySchedules(c *gc.C) {
	d := migration.Classify(migration.Retry{
		Cursor:     []byte("page-3"),
		Message:    "transient I/O error",
		RetryAfter: 500 * time.Millisecond,
	}, runningState(migration.BACKFILL), migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.RetryLater)
	c.Assert(d.RetryAfter, gc.Equals, 500*time.Millisecond)
	c.Assert(d.ConsecutiveRetries, gc.Equals, uint64(1))
	c.Assert(d.Next.Status, gc.Equals, migration.StatusRetry)
	c.Assert(d.Next.Attempt, gc.Equals, uint64(2))
	c.Assert(d.Next.Cursor, jc.DeepEquals, []byte("page-3"))
	c.Assert(d.Next.Message, gc.Equals, "transient I/O error")
}

func (s *PolicySuite) TestRetryNegativeDelay(c *gc.C) {
	d := migration.Classify(migration.Retry{RetryAfter: -time.Second},
		runningState(migration.VERIFY), migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.RetryLater)
	c.Assert(d.RetryAfter, gc.Equals, time.Duration(0))
}

func (s *PolicySuite) TestSecondConsecutiveRetryFails(c *gc.C) {
	policy := migration.RetryPolicy{MaxRetryOutcomes: 1}
	retry := migration.Retry{Message: "transient I/O error", RetryAfter: 500 * time.Millisecond}

	first := migration.Classify(retry, runningState(migration.BACKFILL), policy, 0)
	c.Assert(first.Kind, gc.Equals, migration.RetryLater)

	second := migration.Classify(retry, first.Next, policy, first.ConsecutiveRetries)
	c.Assert(second.Kind, gc.Equals, migration.Fail)
	c.Assert(second.Next.Status, gc.Equals, migration.StatusFailed)
	c.Assert(second.Next.Phase, gc.Equals, migration.BACKFILL)
	c.Assert(second.Next.Attempt, gc.Equals, first.Next.Attempt)
	c.Assert(second.Reason, gc.Matches, "exceeded 1 consecutive retries: transient I/O error")
}

func (s *PolicySuite) TestRetryCounterResetByPartial(c *gc.C) {
	policy := migration.RetryPolicy{MaxRetryOutcomes: 1}
	retry := migration.Retry{Message: "busy"}

	first := migration.Classify(retry, runningState(migration.BACKFILL), policy, 0)
	partial := migration.Classify(migration.Partial{Cursor: []byte("c")}, first.Next, policy, first.ConsecutiveRetries)
	second := migration.Classify(retry, partial.Next, policy, partial.ConsecutiveRetries)
	c.Assert(second.Kind, gc.Equals, migration.RetryLater)
}

func (s *PolicySuite) TestRetryAttemptsExhausted(c *gc.C) {
	policy := migration.RetryPolicy{MaxAttempts: 2}
	current := runningState(migration.BACKFILL)
	current.Attempt = 2

	d := migration.Classify(migration.Retry{Message: "busy"}, current, policy, 0)
	c.Assert(d.Kind, gc.Equals, migration.Fail)
	c.Assert(d.Reason, gc.Equals, "exceeded 2 attempts: busy")
	c.Assert(policy.AttemptsExhausted(2), jc.IsFalse)
	c.Assert(policy.AttemptsExhausted(3), jc.IsTrue)
	c.Assert(migration.RetryPolicy{}.AttemptsExhausted(1<<40), jc.IsFalse)
}

func (s *PolicySuite) TestFatalFails(c *gc.C) {
	current := runningState(migration.VERIFY)
	current.Cursor = []byte("keep")

	d := migration.Classify(migration.Fatal{Reason: "row 7 does not verify"}, current, migration.RetryPolicy{}, 0)
	c.Assert(d.Kind, gc.Equals, migration.Fail)
	c.Assert(d.Reason, gc.Equals, "row 7 does not verify")
	c.Assert(d.Next.Status, gc.Equals, migration.StatusFailed)
	c.Assert(d.Next.Message, gc.Equals, "row 7 does not verify")
	c.Assert(d.Next.Phase, gc.Equals, migration.VERIFY)
	c.Assert(d.Next.Cursor, jc.DeepEquals, []byte("keep"))
}
