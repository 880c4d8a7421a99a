package db

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/sqlbroker/internal/db/dialect"
	"github.com/kandev/sqlbroker/internal/engine"
)

// Pool adapts a *sqlx.DB to engine.Pool. Pooling itself is left to
// database/sql and the driver.
//
// For SQLite the writer roles get a single-connection DB each, which avoids
// SQLITE_BUSY on write contention, while read-only roles get several
// connections that proceed alongside the writer via WAL snapshots.
//
// For PostgreSQL, roles pointing at the same DSN share one *sqlx.DB since
// pgx handles connection pooling internally.
type Pool struct {
	db       *sqlx.DB
	readOnly bool
	shared   *sharedDB
}

var _ engine.Pool = (*Pool)(nil)

// NewPool wraps db. The pool owns db and closes it on Close.
func NewPool(db *sqlx.DB, readOnly bool) *Pool {
	return &Pool{db: db, readOnly: readOnly}
}

// NewSession returns a session that touches the database only when its
// first statement runs.
func (p *Pool) NewSession(_ context.Context, opts engine.SessionOptions) (engine.Session, error) {
	if p.readOnly {
		opts.ReadOnly = true
	}
	return newSession(p.db, opts), nil
}

// Ping verifies the pool can reach the database.
func (p *Pool) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// DriverName returns the sqlx driver name.
func (p *Pool) DriverName() string { return p.db.DriverName() }

// DB returns the underlying connection pool.
func (p *Pool) DB() *sqlx.DB { return p.db }

// Close closes the underlying pool, or drops this pool's reference to a
// shared one.
func (p *Pool) Close() error {
	if p.shared != nil {
		return p.shared.release()
	}
	return closeDB(p.db, p.readOnly)
}

func closeDB(db *sqlx.DB, readOnly bool) error {
	if db.DriverName() == dialect.SQLite3 && !readOnly {
		// Update query planner statistics for tables that need it. This is the
		// SQLite-recommended way to maintain stats and is cheap on close.
		_, _ = db.Exec("PRAGMA optimize")
	}
	return db.Close()
}

// sharedDB reference counts a *sqlx.DB used by several roles so the last
// role to be disposed closes it.
type sharedDB struct {
	mu   sync.Mutex
	db   *sqlx.DB
	refs int
}

func (s *sharedDB) acquire(readOnly bool) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return &Pool{db: s.db, readOnly: readOnly, shared: s}
}

func (s *sharedDB) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.db.Close()
}
