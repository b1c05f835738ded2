// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package audit

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/lumberjack/v2"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// FileName is the name of the audit file inside the log directory.
const FileName = "migration-audit.log"

// FileMirror appends the persisted form of every event to a rotating file.
type FileMirror struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewFileMirror returns a mirror writing to FileName in logDir.
func NewFileMirror(logDir string) (*FileMirror, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, errors.Annotatef(err, "creating audit log dir %q", logDir)
	}
	path := filepath.Join(logDir, FileName)
	if err := primeLogFile(path); err != nil {
		// Rotation still creates the file, so carry on.
		logger.Errorf("unable to prime %s (proceeding anyway): %v", path, err)
	}
	return &FileMirror{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 10,
			Compress:   true,
		},
	}, nil
}

// Mirror is part of the Mirror interface.
func (m *FileMirror) Mirror(id schema.ID, event migration.AuditEvent) error {
	line := migration.EncodeAuditEvent(id, event) + "\n"

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := io.WriteString(m.writer, line)
	return errors.Trace(err)
}

// Close closes the underlying file.
func (m *FileMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Trace(m.writer.Close())
}

// primeLogFile ensures the file is created with owner only permissions.
func primeLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}
