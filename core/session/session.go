// Package session models the per-connection execution context the host
// hands to the extension subsystem: an identity for staging registry
// changes, statement-scoped metadata locks, a statement arena, binlog and
// autocommit guards, and the warning list.
package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/mdl"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// DefaultLockWaitTimeout mirrors the host's lock_wait_timeout default
// used for metadata-lock acquisition.
const DefaultLockWaitTimeout = 50 * time.Second

// Session is one client connection.
type Session struct {
	id string

	mu                 sync.Mutex
	binlogDisabled     int
	autocommitDisabled int
	warnings           []string
	lastError          error

	locks         *mdl.LockSet
	stmtArena     *arena.Arena
	lockWaitLimit time.Duration

	tx *sql.Tx
}

// New creates a session drawing metadata locks from the manager.
func New(locks *mdl.Manager) *Session {
	return &Session{
		id:            uuid.NewString(),
		locks:         mdl.NewLockSet(locks),
		stmtArena:     arena.New(),
		lockWaitLimit: DefaultLockWaitTimeout,
	}
}

// ID returns the staging identity used in the registry's pending maps.
func (s *Session) ID() victionary.SessionID {
	return victionary.SessionID(s.id)
}

// Locks returns the statement lock set.
func (s *Session) Locks() *mdl.LockSet { return s.locks }

// StatementArena returns the arena cleared at statement end.
func (s *Session) StatementArena() *arena.Arena {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stmtArena
}

// EndStatement releases statement locks and clears the statement arena,
// dropping any arena-scoped registry references.
func (s *Session) EndStatement() {
	s.locks.ReleaseAll()
	s.mu.Lock()
	a := s.stmtArena
	s.stmtArena = arena.New()
	s.mu.Unlock()
	a.Clear()
}

// DisableBinlog suppresses binlogging for a scope; the returned restore
// function re-enables it. Nested guards stack.
func (s *Session) DisableBinlog() func() {
	s.mu.Lock()
	s.binlogDisabled++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.binlogDisabled--
		s.mu.Unlock()
	}
}

// BinlogSuppressed reports whether binlogging is currently suppressed.
func (s *Session) BinlogSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binlogDisabled > 0
}

// DisableAutocommit suspends autocommit for a DDL-like scope; the
// returned restore function re-enables it.
func (s *Session) DisableAutocommit() func() {
	s.mu.Lock()
	s.autocommitDisabled++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.autocommitDisabled--
		s.mu.Unlock()
	}
}

// AutocommitSuspended reports whether autocommit is suspended.
func (s *Session) AutocommitSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autocommitDisabled > 0
}

// SetLockWaitTimeout overrides the metadata-lock wait limit.
func (s *Session) SetLockWaitTimeout(d time.Duration) {
	s.mu.Lock()
	s.lockWaitLimit = d
	s.mu.Unlock()
}

// LockWaitContext derives a context bounded by the lock wait limit.
func (s *Session) LockWaitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	limit := s.lockWaitLimit
	s.mu.Unlock()
	return context.WithTimeout(ctx, limit)
}

// PushWarning records a statement warning.
func (s *Session) PushWarning(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

// Warnings returns the accumulated warnings.
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// ClearWarnings drops accumulated warnings.
func (s *Session) ClearWarnings() {
	s.mu.Lock()
	s.warnings = nil
	s.mu.Unlock()
}

// SetError records the statement error.
func (s *Session) SetError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
}

// Err returns the recorded statement error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// BeginTx attaches the statement's system-table transaction.
func (s *Session) BeginTx(tx *sql.Tx) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

// Tx returns the attached transaction, nil when none is open.
func (s *Session) Tx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// ClearTx detaches the transaction after commit or rollback.
func (s *Session) ClearTx() {
	s.mu.Lock()
	s.tx = nil
	s.mu.Unlock()
}
