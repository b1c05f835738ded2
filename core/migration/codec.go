// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// formatVersion is the only persisted state layout this engine reads or
// writes.
const formatVersion = "1"

const (
	keyVersion     = "v"
	keyMigrationID = "migrationId"
	keyPhase       = "phase"
	keyStatus      = "status"
	keyAttempt     = "attempt"
	keyFrom        = "from"
	keyTo          = "to"
	keyCursor      = "cursor"
	keyMessage     = "message"
)

var encoding = base64.StdEncoding

// EncodeState renders a state as the versioned line oriented key=value
// document that is persisted by state stores.
func EncodeState(s State) []byte {
	var b strings.Builder
	writeLine := func(key, value string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
	}
	writeLine(keyVersion, formatVersion)
	writeLine(keyMigrationID, s.MigrationID)
	writeLine(keyPhase, s.Phase.Normalize().String())
	writeLine(keyStatus, s.Status.String())
	writeLine(keyAttempt, strconv.FormatUint(s.Attempt, 10))
	writeLine(keyFrom, s.FromVersion)
	writeLine(keyTo, s.ToVersion)
	writeLine(keyCursor, encodeBinary(s.Cursor))
	writeLine(keyMessage, encodeBinary([]byte(s.Message)))
	return []byte(b.String())
}

// DecodeState parses a document written by EncodeState. It returns false
// for anything it cannot fully understand: a different format version, a
// missing mandatory field, or a malformed value. Callers treat that exactly
// like having no prior state.
func DecodeState(data []byte) (State, bool) {
	fields, ok := parseLines(string(data))
	if !ok || fields[keyVersion] != formatVersion {
		return State{}, false
	}
	for _, key := range []string{keyMigrationID, keyPhase, keyStatus, keyAttempt, keyTo} {
		if _, ok := fields[key]; !ok {
			return State{}, false
		}
	}

	var (
		s   State
		err error
	)
	s.MigrationID = fields[keyMigrationID]
	if s.MigrationID == "" {
		return State{}, false
	}
	phase, ok := ParsePhase(fields[keyPhase])
	if !ok {
		return State{}, false
	}
	s.Phase = phase.Normalize()
	if s.Status, ok = ParseStatus(fields[keyStatus]); !ok {
		return State{}, false
	}
	if s.Attempt, err = strconv.ParseUint(fields[keyAttempt], 10, 64); err != nil {
		return State{}, false
	}
	s.FromVersion = fields[keyFrom]
	s.ToVersion = fields[keyTo]
	if s.Cursor, ok = decodeBinary(fields[keyCursor]); !ok {
		return State{}, false
	}
	message, ok := decodeBinary(fields[keyMessage])
	if !ok {
		return State{}, false
	}
	s.Message = string(message)
	return s, true
}

func parseLines(doc string) (map[string]string, bool) {
	doc = strings.TrimSuffix(doc, "\n")
	if doc == "" {
		return nil, false
	}
	fields := make(map[string]string)
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSuffix(line, "\r")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, false
		}
		fields[key] = value
	}
	return fields, true
}

func encodeBinary(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return encoding.EncodeToString(data)
}

func decodeBinary(value string) ([]byte, bool) {
	if value == "" {
		return nil, true
	}
	data, err := encoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	return data, true
}
