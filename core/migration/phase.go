// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

// Phase values specify schema migration phases.
type Phase int

// Enumerate all possible migration phases.
const (
	UNKNOWN Phase = iota
	EXPAND
	BACKFILL
	VERIFY
	CONTRACT

	// STARTUP and MIGRATE were written by older versions of the engine.
	// They are accepted on read and normalize to EXPAND and BACKFILL.
	STARTUP
	MIGRATE
)

var phaseNames = []string{
	"Unknown",
	"Expand",
	"Backfill",
	"Verify",
	"Contract",
	"Startup",
	"Migrate",
}

// String returns the name of a phase.
func (p Phase) String() string {
	if i := int(p); i >= 0 && i < len(phaseNames) {
		return phaseNames[i]
	}
	return "Unknown"
}

// ParsePhase converts a string migration phase name to its Phase
// value. Legacy names are returned unnormalized.
func ParsePhase(target string) (Phase, bool) {
	for p, name := range phaseNames {
		if target == name {
			return Phase(p), p != int(UNKNOWN)
		}
	}
	return UNKNOWN, false
}

// Normalize maps legacy aliases onto their canonical phase.
func (p Phase) Normalize() Phase {
	switch p {
	case STARTUP:
		return EXPAND
	case MIGRATE:
		return BACKFILL
	}
	return p
}

// IsCanonical returns true for the four phases the engine writes.
func (p Phase) IsCanonical() bool {
	switch p {
	case EXPAND, BACKFILL, VERIFY, CONTRACT:
		return true
	}
	return false
}

// Next returns the canonical successor of the phase. It returns false for
// CONTRACT, and for any phase that is not canonical once normalized.
func (p Phase) Next() (Phase, bool) {
	switch p.Normalize() {
	case EXPAND:
		return BACKFILL, true
	case BACKFILL:
		return VERIFY, true
	case VERIFY:
		return CONTRACT, true
	}
	return UNKNOWN, false
}

// CanTransitionTo returns true if the given phase directly follows the
// current one. No phase can be skipped.
func (p Phase) CanTransitionTo(target Phase) bool {
	next, ok := p.Next()
	return ok && next == target.Normalize()
}

// IsTerminal returns true if the phase is the last one of a migration.
func (p Phase) IsTerminal() bool {
	return p.Normalize() == CONTRACT
}

// Status is the progress marker persisted alongside a phase.
type Status int

const (
	StatusRunning Status = iota
	StatusPartial
	StatusRetry
	StatusFailed
)

var statusNames = []string{
	"Running",
	"Partial",
	"Retry",
	"Failed",
}

// String returns the persisted name of a status.
func (s Status) String() string {
	if i := int(s); i >= 0 && i < len(statusNames) {
		return statusNames[i]
	}
	return "Unknown"
}

// ParseStatus converts a persisted status name to its Status value.
func ParseStatus(target string) (Status, bool) {
	for s, name := range statusNames {
		if target == name {
			return Status(s), true
		}
	}
	return StatusRunning, false
}
