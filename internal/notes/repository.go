// Package notes is a small notes service with an audit trail. It reads
// through whichever session the request already holds, writes through the
// writer role and records audit rows through the autocommit logger role.
package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/broker"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/db/dialect"
	"github.com/kandev/sqlbroker/internal/engine"
)

var (
	ErrNotFound    = errors.New("note not found")
	ErrInvalidNote = errors.New("invalid note")
)

// Note is a stored note.
type Note struct {
	ID        int64     `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"request_id"`
	Action    string    `db:"action" json:"action"`
	NoteID    int64     `db:"note_id" json:"note_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Sessions is the slice of the request broker the repository needs.
type Sessions interface {
	RequestID() string
	Any(preferences ...string) (engine.Session, error)
	Reader() (engine.Session, error)
	Writer() (engine.Session, error)
	Logger() (engine.Session, error)
}

var _ Sessions = (*broker.Broker)(nil)

// Repository runs note queries for one request.
type Repository struct {
	sessions Sessions
	log      *logger.Logger
}

// NewRepository binds a repository to the request's sessions.
func NewRepository(sessions Sessions, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.Default()
	}
	return &Repository{sessions: sessions, log: log}
}

// List returns notes newest first from whichever session the request
// already has open. A non-empty query filters on title and body.
func (r *Repository) List(ctx context.Context, query string) ([]*Note, error) {
	s, err := r.sessions.Any()
	if err != nil {
		return nil, err
	}
	stmt := `SELECT id, title, body, created_at FROM notes`
	var args []any
	if query = strings.TrimSpace(query); query != "" {
		like := dialect.Like(s.DriverName())
		stmt += ` WHERE title ` + like + ` ? OR body ` + like + ` ?`
		pattern := "%" + query + "%"
		args = append(args, pattern, pattern)
	}
	stmt += ` ORDER BY id DESC`

	notes := []*Note{}
	if err := sqlx.SelectContext(ctx, s, &notes, s.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	return notes, nil
}

// Get returns a single note from the reader.
func (r *Repository) Get(ctx context.Context, id int64) (*Note, error) {
	s, err := r.sessions.Reader()
	if err != nil {
		return nil, err
	}
	note := &Note{}
	err = sqlx.GetContext(ctx, s, note, s.Rebind(`SELECT id, title, body, created_at FROM notes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note %d: %w", id, err)
	}
	return note, nil
}

// Create stores a note, commits it, and then records an audit entry. A
// failed audit write is logged but does not undo the committed note.
func (r *Repository) Create(ctx context.Context, title, body string) (*Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidNote)
	}

	w, err := r.sessions.Writer()
	if err != nil {
		return nil, err
	}
	driver := w.DriverName()
	id, err := dialect.InsertReturningID(ctx, w,
		`INSERT INTO notes (title, body, created_at) VALUES (?, ?, `+dialect.Now(driver)+`)`,
		title, body)
	if err != nil {
		_ = w.Rollback(ctx)
		return nil, fmt.Errorf("failed to insert note: %w", err)
	}
	note := &Note{}
	err = sqlx.GetContext(ctx, w, note, w.Rebind(`SELECT id, title, body, created_at FROM notes WHERE id = ?`), id)
	if err != nil {
		_ = w.Rollback(ctx)
		return nil, fmt.Errorf("failed to read back note %d: %w", id, err)
	}
	if err := w.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit note: %w", err)
	}

	if err := r.audit(ctx, "create", id); err != nil {
		r.log.Warn("failed to write audit entry",
			zap.Int64("note_id", id),
			zap.Error(err))
	}
	return note, nil
}

// Audit returns the audit entries recorded for a note, oldest first.
func (r *Repository) Audit(ctx context.Context, noteID int64) ([]*AuditEntry, error) {
	s, err := r.sessions.Logger()
	if err != nil {
		return nil, err
	}
	entries := []*AuditEntry{}
	err = sqlx.SelectContext(ctx, s, &entries,
		s.Rebind(`SELECT id, request_id, action, note_id, created_at FROM audit_log WHERE note_id = ? ORDER BY id`), noteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (r *Repository) audit(ctx context.Context, action string, noteID int64) error {
	s, err := r.sessions.Logger()
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx,
		s.Rebind(`INSERT INTO audit_log (request_id, action, note_id, created_at) VALUES (?, ?, ?, `+dialect.Now(s.DriverName())+`)`),
		r.sessions.RequestID(), action, noteID)
	return err
}
