// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"fmt"
	"time"
)

// RetryPolicy bounds how long a migration keeps retrying. A zero bound is
// unlimited.
type RetryPolicy struct {
	// MaxAttempts caps State.Attempt for one migration lineage.
	MaxAttempts uint64

	// MaxRetryOutcomes caps the number of consecutive Retry outcomes.
	MaxRetryOutcomes uint64
}

// DecisionKind is what the driver does after classifying an outcome.
type DecisionKind int

const (
	// Advance moves to the next phase, or finishes the migration.
	Advance DecisionKind = iota

	// Continue re-invokes the handler immediately in the same phase.
	Continue

	// RetryLater re-invokes the handler in the same phase after a delay.
	RetryLater

	// Fail halts the migration until an operator intervenes.
	Fail
)

// String implements fmt.Stringer.
func (k DecisionKind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Continue:
		return "continue"
	case RetryLater:
		return "retry"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Decision is the classification of a single outcome.
type Decision struct {
	Kind DecisionKind

	// Next is the state to persist. It is meaningless when Done is set.
	Next State

	// Done is set when the terminal phase completed.
	Done bool

	// RetryAfter is the delay before the next invocation for RetryLater.
	RetryAfter time.Duration

	// ConsecutiveRetries is the updated count of back to back Retry
	// outcomes.
	ConsecutiveRetries uint64

	// Reason explains a Fail decision.
	Reason string
}

// Classify decides what follows the given outcome of a handler invoked
// for the given state. consecutiveRetries is the number of Retry outcomes
// seen in a row before this one.
func Classify(outcome Outcome, current State, policy RetryPolicy, consecutiveRetries uint64) Decision {
	next := current
	switch o := outcome.(type) {
	case Success:
		phase, ok := current.Phase.Next()
		if !ok {
			if current.Phase.IsTerminal() {
				return Decision{Kind: Advance, Next: current, Done: true}
			}
			return fail(current, fmt.Sprintf("cannot advance from phase %s", current.Phase))
		}
		next.Phase = phase
		next.Status = StatusRunning
		next.Cursor = nil
		next.Message = ""
		return Decision{Kind: Advance, Next: next}

	case Partial:
		next.Phase = current.Phase.Normalize()
		next.Status = StatusPartial
		next.Cursor = o.Cursor
		next.Message = o.Message
		return Decision{Kind: Continue, Next: next}

	case Retry:
		retries := consecutiveRetries + 1
		if policy.MaxRetryOutcomes > 0 && retries > policy.MaxRetryOutcomes {
			return fail(current, fmt.Sprintf("exceeded %d consecutive retries: %s", policy.MaxRetryOutcomes, o.Message))
		}
		attempt := current.Attempt + 1
		if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
			return fail(current, fmt.Sprintf("exceeded %d attempts: %s", policy.MaxAttempts, o.Message))
		}
		next.Phase = current.Phase.Normalize()
		next.Status = StatusRetry
		next.Attempt = attempt
		next.Cursor = o.Cursor
		next.Message = o.Message
		retryAfter := o.RetryAfter
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Kind:               RetryLater,
			Next:               next,
			RetryAfter:         retryAfter,
			ConsecutiveRetries: retries,
		}

	case Fatal:
		return fail(current, o.Reason)
	}
	return fail(current, fmt.Sprintf("unexpected outcome %T", outcome))
}

func fail(current State, reason string) Decision {
	next := current
	next.Status = StatusFailed
	next.Message = reason
	return Decision{Kind: Fail, Next: next, Reason: reason}
}

// AttemptsExhausted returns true if the given attempt is beyond the policy's
// attempt budget.
func (p RetryPolicy) AttemptsExhausted(attempt uint64) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
