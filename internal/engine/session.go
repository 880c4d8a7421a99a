package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// RequestTag is the back-reference a session carries to the request that
// started it. It exists for diagnostics only.
type RequestTag struct {
	RequestID string    `json:"request_id"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// Session is a unit of work drawn from a Pool.
type Session interface {
	sqlx.ExtContext

	// Commit commits any open transaction.
	Commit(ctx context.Context) error
	// Rollback returns the session to a clean baseline.
	Rollback(ctx context.Context) error
	// Close releases the session's connection. Closing twice is not an error.
	Close() error

	SetTag(tag *RequestTag)
	Tag() *RequestTag
}

// SessionOptions are the session factory defaults for one engine.
type SessionOptions struct {
	Autoflush      bool
	Autocommit     bool
	ExpireOnCommit bool
	Isolation      sql.IsolationLevel
	ReadOnly       bool
}

// DefaultSessionOptions mirrors the defaults used for writer engines.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Autoflush:      true,
		Autocommit:     false,
		ExpireOnCommit: true,
	}
}

// Pool is a process-wide connection pool owned by exactly one Handle.
// Pool implementations provide their own concurrency control.
type Pool interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Ping(ctx context.Context) error
	DriverName() string
	// Close drops every pooled connection.
	Close() error
}

// TxCoordinator enlists sessions in an externally managed transaction.
type TxCoordinator interface {
	Join(ctx context.Context, role string, s Session) error
}
