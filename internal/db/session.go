package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/sqlbroker/internal/engine"
)

// ErrSessionClosed is returned by statements issued on a released session.
var ErrSessionClosed = errors.New("session is closed")

// Session is an engine.Session backed by a *sqlx.DB.
//
// Unless Autocommit is set, the first statement opens a transaction that
// stays open until Commit, Rollback or Close.
type Session struct {
	db   *sqlx.DB
	opts engine.SessionOptions

	mu     sync.Mutex
	tx     *sqlx.Tx
	tag    *engine.RequestTag
	closed bool
}

var _ engine.Session = (*Session)(nil)

func newSession(db *sqlx.DB, opts engine.SessionOptions) *Session {
	return &Session{db: db, opts: opts}
}

// ext returns the executor for the next statement.
func (s *Session) ext(ctx context.Context) (sqlx.ExtContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.opts.Autocommit {
		return s.db, nil
	}
	if s.tx == nil {
		// The transaction outlives the statement's context; it ends with the
		// session, not with the caller.
		tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), &sql.TxOptions{
			Isolation: s.opts.Isolation,
			ReadOnly:  s.opts.ReadOnly,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

// InTx reports whether the session holds an open transaction.
func (s *Session) InTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

func (s *Session) DriverName() string { return s.db.DriverName() }

func (s *Session) Rebind(query string) string { return s.db.Rebind(query) }

func (s *Session) BindNamed(query string, arg interface{}) (string, []interface{}, error) {
	return s.db.BindNamed(query, arg)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	e, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	return e.QueryContext(ctx, query, args...)
}

func (s *Session) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	e, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	return e.QueryxContext(ctx, query, args...)
}

// QueryRowxContext runs query on the session. sqlx.Row cannot carry a
// caller-supplied error, so when no executor is available the query runs
// under an already failed context and Scan returns that failure.
func (s *Session) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	e, err := s.ext(ctx)
	if err != nil {
		return s.db.QueryRowxContext(failedContext{Context: ctx, err: err}, query, args...)
	}
	return e.QueryRowxContext(ctx, query, args...)
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// failedContext is done from the start and reports err as its error.
// database/sql returns ctx.Err() before it takes a connection.
type failedContext struct {
	context.Context
	err error
}

func (c failedContext) Done() <-chan struct{} { return closedDone }

func (c failedContext) Err() error { return c.err }

func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	e, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	return e.ExecContext(ctx, query, args...)
}

// Commit commits the open transaction, if any.
func (s *Session) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback discards the open transaction, if any, returning the session to
// a clean baseline.
func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and releases the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rollbackLocked()
}

func (s *Session) SetTag(tag *engine.RequestTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag
}

func (s *Session) Tag() *engine.RequestTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}
