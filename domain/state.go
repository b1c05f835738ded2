// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package domain holds the storage adapters of the migration engine.
package domain

import (
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/marykdb/maryk-sub012/core/database"
)

// StateBase defines a base struct for requesting a transaction runner and
// preparing statements once.
type StateBase struct {
	runner coredatabase.TxnRunner

	mu         sync.RWMutex
	statements map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase.
func NewStateBase(runner coredatabase.TxnRunner) *StateBase {
	return &StateBase{
		runner:     runner,
		statements: make(map[string]*sqlair.Statement),
	}
}

// DB returns the transaction runner for the database.
func (st *StateBase) DB() (coredatabase.TxnRunner, error) {
	if st.runner == nil {
		return nil, errors.New("nil transaction runner")
	}
	return st.runner, nil
}

// Prepare prepares a SQLair query. If the query has been prepared before it
// is reused from the cache.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.mu.RLock()
	stmt, ok := st.statements[query]
	st.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if stmt, ok := st.statements[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st.statements[query] = stmt
	return stmt, nil
}
