// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"fmt"
	"time"
)

// Outcome is the result of one phase handler invocation. The set of
// implementations is closed: Success, Partial, Retry and Fatal.
type Outcome interface {
	fmt.Stringer
	outcome()
}

// Success means the phase finished and the migration may advance.
type Success struct{}

// Partial means the handler made progress and wants to be invoked again
// straight away, resuming from Cursor.
type Partial struct {
	Cursor  []byte
	Message string
}

// Retry means the handler hit a transient problem. It is invoked again
// after RetryAfter, resuming from Cursor.
type Retry struct {
	Cursor     []byte
	Message    string
	RetryAfter time.Duration
}

// Fatal means the migration cannot continue without operator intervention.
type Fatal struct {
	Reason string
}

func (Success) outcome() {}
func (Partial) outcome() {}
func (Retry) outcome()   {}
func (Fatal) outcome()   {}

// String implements fmt.Stringer.
func (Success) String() string { return "success" }

// String implements fmt.Stringer.
func (Partial) String() string { return "partial" }

// String implements fmt.Stringer.
func (Retry) String() string { return "retry" }

// String implements fmt.Stringer.
func (Fatal) String() string { return "fatal" }
