// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package driver

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/retry"

	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// schemaRun is one attempt at migrating one schema.
type schemaRun struct {
	config  Config
	id      schema.ID
	need    schema.NeedsMigration
	control *control

	state   migration.State
	retries uint64
}

func (r *schemaRun) run(ctx context.Context) (Result, error) {
	existing, found, err := r.config.States.ReadState(ctx, r.id)
	if err != nil {
		return Result{}, errors.Annotatef(err, "reading state of schema %d", r.id)
	}
	if found && existing.ToVersion == r.need.Target.Version && existing.Status == migration.StatusFailed {
		r.state = existing
		return r.result(ResultFailed, existing.Message), nil
	}
	previous := r.lineage(existing, found)
	migrationID := previous
	if migrationID == "" {
		migrationID = r.config.NewMigrationID()
	}
	r.state = migration.State{
		MigrationID: migrationID,
		Phase:       migration.EXPAND,
		Status:      migration.StatusRunning,
		Attempt:     1,
		FromVersion: r.need.FromVersion(),
		ToVersion:   r.need.Target.Version,
	}
	if previous != "" {
		r.state.Phase = existing.Phase.Normalize()
		r.state.Attempt = existing.Attempt
	}

	acquired, err := r.acquire(ctx)
	if retry.IsRetryStopped(err) {
		return r.result(ResultPaused, "stopped waiting for lease"), nil
	} else if err != nil {
		return Result{}, errors.Trace(err)
	}
	if !acquired {
		if err := r.audit(ctx, migration.AuditLeaseRejected, corelease.ErrHeld.Error()); err != nil {
			return Result{}, errors.Trace(err)
		}
		return r.result(ResultLeaseRejected, corelease.ErrHeld.Error()), nil
	}
	defer func() {
		if err := r.config.Lease.Release(context.WithoutCancel(ctx), r.id, migrationID); err != nil {
			r.config.Logger.Warningf("releasing lease of schema %d: %v", r.id, err)
		}
	}()

	// The state may have moved on while the lease was held elsewhere.
	current, found, err := r.config.States.ReadState(ctx, r.id)
	if err != nil {
		return Result{}, errors.Annotatef(err, "reading state of schema %d", r.id)
	}
	if found && current.ToVersion == r.need.Target.Version && current.Status == migration.StatusFailed {
		r.state = current
		return r.result(ResultFailed, current.Message), nil
	}
	if r.lineage(current, found) == "" {
		// Another worker may have finished this migration while we waited.
		done, err := r.alreadyMigrated(ctx)
		if err != nil {
			return Result{}, errors.Trace(err)
		}
		if done {
			message := fmt.Sprintf("schema %d already at %s", r.id, r.need.Target.Version)
			r.config.Logger.Infof("%s", message)
			return Result{Status: ResultCompleted, Message: message}, nil
		}
	}
	if r.lineage(current, found) != previous {
		message := fmt.Sprintf("state of schema %d changed while acquiring lease", r.id)
		if err := r.audit(ctx, migration.AuditLeaseRejected, message); err != nil {
			return Result{}, errors.Trace(err)
		}
		return r.result(ResultLeaseRejected, message), nil
	}
	if err := r.audit(ctx, migration.AuditLeaseAcquired, ""); err != nil {
		return Result{}, errors.Trace(err)
	}

	if previous != "" {
		if res, done, err := r.resume(ctx, current); err != nil || done {
			return res, errors.Trace(err)
		}
	} else {
		if found {
			r.config.Logger.Infof("discarding migration %s of schema %d to %s", current.MigrationID, r.id, current.ToVersion)
		}
		if err := r.write(ctx); err != nil {
			return Result{}, errors.Trace(err)
		}
	}
	return r.step(ctx)
}

// lineage returns the migration id of a persisted state that this run
// continues, or "" if a new lineage must be started.
func (r *schemaRun) lineage(state migration.State, found bool) string {
	if !found || state.ToVersion != r.need.Target.Version || state.Status == migration.StatusFailed {
		return ""
	}
	return state.MigrationID
}

// alreadyMigrated reports whether the stored definition of the schema is
// already at the target version.
func (r *schemaRun) alreadyMigrated(ctx context.Context) (bool, error) {
	stored, err := r.config.Definitions.Definition(ctx, r.id)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Annotatef(err, "reading definition of schema %d", r.id)
	}
	return stored.Version == r.need.Target.Version, nil
}

func (r *schemaRun) acquire(ctx context.Context) (bool, error) {
	errHeld := errors.Annotatef(corelease.ErrHeld, "schema %d", r.id)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			acquired, err := r.config.Lease.TryAcquire(ctx, r.id, r.state.MigrationID)
			if err != nil {
				return errors.Trace(err)
			}
			if !acquired {
				return errHeld
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, corelease.ErrHeld)
		},
		NotifyFunc: func(_ error, attempt int) {
			r.config.Logger.Debugf("lease of schema %d held, attempt %d", r.id, attempt)
		},
		Attempts:    r.config.LeaseRetryAttempts,
		Delay:       r.config.LeaseRetryDelay,
		BackoffFunc: retry.ExpBackoff(r.config.LeaseRetryDelay, 16*r.config.LeaseRetryDelay, 2, true),
		Clock:       r.config.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return true, nil
	}
	if retry.IsRetryStopped(err) {
		return false, err
	}
	if retry.IsAttemptsExceeded(err) {
		if errors.Is(retry.LastError(err), corelease.ErrHeld) {
			return false, nil
		}
		return false, errors.Trace(retry.LastError(err))
	}
	return false, errors.Trace(err)
}

// resume continues a persisted lineage. It returns done when the lineage
// cannot go on.
func (r *schemaRun) resume(ctx context.Context, current migration.State) (Result, bool, error) {
	r.state = current
	r.state.Phase = current.Phase.Normalize()
	r.state.Attempt++
	if r.config.Policy.AttemptsExhausted(r.state.Attempt) {
		reason := fmt.Sprintf("exceeded %d attempts", r.config.Policy.MaxAttempts)
		res, err := r.fail(ctx, reason)
		return res, true, errors.Trace(err)
	}
	if err := r.write(ctx); err != nil {
		return Result{}, true, errors.Trace(err)
	}
	message := fmt.Sprintf("resuming %s after %s", current.Phase, current.Status)
	return Result{}, false, errors.Trace(r.audit(ctx, migration.AuditResumed, message))
}

// step invokes the handler until the migration ends or is interrupted.
func (r *schemaRun) step(ctx context.Context) (Result, error) {
	started := migration.UNKNOWN
	for {
		if res, stop, err := r.interrupted(ctx); stop {
			return res, errors.Trace(err)
		}
		if r.state.Phase != started {
			if err := r.audit(ctx, migration.AuditPhaseStarted, ""); err != nil {
				return Result{}, errors.Trace(err)
			}
			started = r.state.Phase
		}

		outcome := r.config.Handler.HandlePhase(ctx, migration.Step{
			SchemaID:    r.id,
			MigrationID: r.state.MigrationID,
			Phase:       r.state.Phase,
			Attempt:     r.state.Attempt,
			Cursor:      r.state.Cursor,
			Stored:      r.need.Stored,
			Target:      r.need.Target,
		})
		if outcome == nil {
			outcome = migration.Fatal{Reason: "phase handler returned no outcome"}
		}
		r.config.Metrics.recordStep(r.state.Phase, outcome)
		r.config.Logger.Tracef("schema %d %s attempt %d: %s", r.id, r.state.Phase, r.state.Attempt, outcome)

		decision := migration.Classify(outcome, r.state, r.config.Policy, r.retries)
		switch decision.Kind {
		case migration.Advance:
			completed := r.state.Phase
			if decision.Done {
				return r.complete(ctx)
			}
			r.state = decision.Next
			r.retries = 0
			if err := r.write(ctx); err != nil {
				return Result{}, errors.Trace(err)
			}
			if err := r.auditPhase(ctx, migration.AuditPhaseCompleted, completed, ""); err != nil {
				return Result{}, errors.Trace(err)
			}

		case migration.Continue:
			r.state = decision.Next
			r.retries = 0
			if err := r.write(ctx); err != nil {
				return Result{}, errors.Trace(err)
			}
			if err := r.audit(ctx, migration.AuditPartial, r.state.Message); err != nil {
				return Result{}, errors.Trace(err)
			}

		case migration.RetryLater:
			r.state = decision.Next
			r.retries = decision.ConsecutiveRetries
			if err := r.write(ctx); err != nil {
				return Result{}, errors.Trace(err)
			}
			if err := r.audit(ctx, migration.AuditRetryScheduled, r.state.Message); err != nil {
				return Result{}, errors.Trace(err)
			}
			r.wait(ctx, decision)

		case migration.Fail:
			return r.fail(ctx, decision.Reason)
		}
	}
}

// wait blocks until a retry is due or the run is interrupted.
func (r *schemaRun) wait(ctx context.Context, decision migration.Decision) {
	if decision.RetryAfter <= 0 {
		return
	}
	select {
	case <-r.config.Clock.After(decision.RetryAfter):
	case <-ctx.Done():
	case <-r.control.cancel:
	case <-r.control.pause:
	}
}

// interrupted checks for operator requests and a done context.
func (r *schemaRun) interrupted(ctx context.Context) (Result, bool, error) {
	switch {
	case r.control.canceled():
		if err := r.config.States.ClearState(context.WithoutCancel(ctx), r.id); err != nil {
			return Result{}, true, errors.Annotatef(err, "clearing state of schema %d", r.id)
		}
		err := r.audit(ctx, migration.AuditCanceled, "canceled by operator")
		return r.result(ResultCanceled, "canceled by operator"), true, errors.Trace(err)

	case r.control.paused():
		err := r.audit(ctx, migration.AuditPaused, "paused by operator")
		return r.result(ResultPaused, "paused by operator"), true, errors.Trace(err)

	case ctx.Err() != nil:
		message := ctx.Err().Error()
		err := r.audit(ctx, migration.AuditPaused, message)
		return r.result(ResultPaused, message), true, errors.Trace(err)
	}
	return Result{}, false, nil
}

// complete writes the target definition and clears the state once the
// final phase succeeded.
func (r *schemaRun) complete(ctx context.Context) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	var previous *schema.Definition
	stored, err := r.config.Definitions.Definition(ctx, r.id)
	if err == nil {
		previous = &stored
	} else if !errors.Is(err, errors.NotFound) {
		return Result{}, errors.Annotatef(err, "reading definition of schema %d", r.id)
	}
	if err := r.config.Definitions.WriteDefinition(ctx, r.need.Target); err != nil {
		return Result{}, errors.Annotatef(err, "writing definition of schema %d", r.id)
	}
	if r.config.OnDefinitionWritten != nil {
		r.config.OnDefinitionWritten(ctx, previous, r.need.Target)
	}
	if err := r.auditPhase(ctx, migration.AuditPhaseCompleted, r.state.Phase, ""); err != nil {
		return Result{}, errors.Trace(err)
	}
	if err := r.config.States.ClearState(ctx, r.id); err != nil {
		return Result{}, errors.Annotatef(err, "clearing state of schema %d", r.id)
	}
	message := fmt.Sprintf("migrated to %s", r.need.Target.Version)
	if err := r.auditPhase(ctx, migration.AuditCompleted, migration.UNKNOWN, message); err != nil {
		return Result{}, errors.Trace(err)
	}
	return r.result(ResultCompleted, ""), nil
}

func (r *schemaRun) fail(ctx context.Context, reason string) (Result, error) {
	r.state.Status = migration.StatusFailed
	r.state.Message = reason
	if err := r.write(ctx); err != nil {
		return Result{}, errors.Trace(err)
	}
	if err := r.audit(ctx, migration.AuditFailed, reason); err != nil {
		return Result{}, errors.Trace(err)
	}
	return r.result(ResultFailed, reason), nil
}

// write persists the current state. Once a handler returned, its outcome is
// persisted even if ctx is done.
func (r *schemaRun) write(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.config.States.WriteState(ctx, r.id, r.state); err != nil {
		return errors.Annotatef(err, "writing state of schema %d", r.id)
	}
	return nil
}

func (r *schemaRun) audit(ctx context.Context, eventType migration.AuditEventType, message string) error {
	return r.auditPhase(ctx, eventType, r.state.Phase, message)
}

func (r *schemaRun) auditPhase(ctx context.Context, eventType migration.AuditEventType, phase migration.Phase, message string) error {
	ctx = context.WithoutCancel(ctx)
	attempt := r.state.Attempt
	if phase == migration.UNKNOWN {
		attempt = 0
	}
	return r.config.Audit.Append(ctx, r.id, migration.AuditEvent{
		Timestamp:   r.config.Clock.Now(),
		MigrationID: r.state.MigrationID,
		Type:        eventType,
		Phase:       phase,
		Attempt:     attempt,
		Message:     message,
	})
}

func (r *schemaRun) result(status ResultStatus, message string) Result {
	return Result{
		Status:      status,
		MigrationID: r.state.MigrationID,
		Phase:       r.state.Phase,
		Attempt:     r.state.Attempt,
		Message:     message,
	}
}
