// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// AuditEventType classifies an entry of a schema's migration audit trail.
type AuditEventType string

const (
	AuditLeaseAcquired  AuditEventType = "LeaseAcquired"
	AuditLeaseRejected  AuditEventType = "LeaseRejected"
	AuditPhaseStarted   AuditEventType = "PhaseStarted"
	AuditPhaseCompleted AuditEventType = "PhaseCompleted"
	AuditPartial        AuditEventType = "Partial"
	AuditRetryScheduled AuditEventType = "RetryScheduled"
	AuditFailed         AuditEventType = "Failed"
	AuditPaused         AuditEventType = "Paused"
	AuditResumed        AuditEventType = "Resumed"
	AuditCanceled       AuditEventType = "Canceled"
	AuditCompleted      AuditEventType = "Completed"
)

var auditEventTypes = []AuditEventType{
	AuditLeaseAcquired,
	AuditLeaseRejected,
	AuditPhaseStarted,
	AuditPhaseCompleted,
	AuditPartial,
	AuditRetryScheduled,
	AuditFailed,
	AuditPaused,
	AuditResumed,
	AuditCanceled,
	AuditCompleted,
}

// AuditEventTypes returns every known audit event type.
func AuditEventTypes() []AuditEventType {
	return append([]AuditEventType(nil), auditEventTypes...)
}

// Validate returns an error if the type is not one of the known kinds.
func (t AuditEventType) Validate() error {
	for _, known := range auditEventTypes {
		if t == known {
			return nil
		}
	}
	return errors.NotValidf("audit event type %q", string(t))
}

// AuditEvent is one entry in a schema's migration audit trail.
type AuditEvent struct {
	// Timestamp is kept at millisecond precision.
	Timestamp   time.Time
	MigrationID string
	Type        AuditEventType

	// Phase is UNKNOWN for events not tied to a phase.
	Phase Phase

	// Attempt is zero for events not tied to an attempt.
	Attempt uint64

	Message string
}

// HumanString renders the event as a single log line.
func (e AuditEvent) HumanString(id schema.ID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s model %d migration %s: %s",
		e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), id, e.MigrationID, e.Type)
	if e.Phase != UNKNOWN {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " (%s)", e.Message)
	}
	return b.String()
}

// EncodeAuditEvent renders the persisted single line form of an event.
func EncodeAuditEvent(id schema.ID, e AuditEvent) string {
	phase := ""
	if e.Phase != UNKNOWN {
		phase = e.Phase.Normalize().String()
	}
	attempt := ""
	if e.Attempt > 0 {
		attempt = strconv.FormatUint(e.Attempt, 10)
	}
	fields := []string{
		"v=" + formatVersion,
		"ts=" + strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		"model=" + id.String(),
		"migration=" + encodeBinary([]byte(e.MigrationID)),
		"type=" + string(e.Type),
		"phase=" + phase,
		"attempt=" + attempt,
		"message=" + encodeBinary([]byte(e.Message)),
	}
	return strings.Join(fields, ";")
}

// DecodeAuditEvent parses a line written by EncodeAuditEvent.
func DecodeAuditEvent(line string) (schema.ID, AuditEvent, error) {
	fields := make(map[string]string)
	for _, field := range strings.Split(strings.TrimSpace(line), ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return 0, AuditEvent{}, errors.NotValidf("audit field %q", field)
		}
		fields[key] = value
	}
	if v := fields["v"]; v != formatVersion {
		return 0, AuditEvent{}, errors.NotSupportedf("audit line version %q", v)
	}

	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return 0, AuditEvent{}, errors.NotValidf("audit timestamp %q", fields["ts"])
	}
	id, err := schema.ParseID(fields["model"])
	if err != nil {
		return 0, AuditEvent{}, errors.Trace(err)
	}
	migrationID, ok := decodeBinary(fields["migration"])
	if !ok {
		return 0, AuditEvent{}, errors.NotValidf("audit migration id %q", fields["migration"])
	}
	event := AuditEvent{
		Timestamp:   time.UnixMilli(ts).UTC(),
		MigrationID: string(migrationID),
		Type:        AuditEventType(fields["type"]),
	}
	if err := event.Type.Validate(); err != nil {
		return 0, AuditEvent{}, errors.Trace(err)
	}
	if p := fields["phase"]; p != "" {
		phase, ok := ParsePhase(p)
		if !ok {
			return 0, AuditEvent{}, errors.NotValidf("audit phase %q", p)
		}
		event.Phase = phase.Normalize()
	}
	if a := fields["attempt"]; a != "" {
		if event.Attempt, err = strconv.ParseUint(a, 10, 64); err != nil {
			return 0, AuditEvent{}, errors.NotValidf("audit attempt %q", a)
		}
	}
	message, ok := decodeBinary(fields["message"])
	if !ok {
		return 0, AuditEvent{}, errors.NotValidf("audit message %q", fields["message"])
	}
	event.Message = string(message)
	return id, event, nil
}
