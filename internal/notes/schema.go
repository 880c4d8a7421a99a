package notes

import (
	"context"
	"fmt"

	"github.com/kandev/sqlbroker/internal/broker"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/db/dialect"
	"github.com/kandev/sqlbroker/internal/engine"
)

// InitSchema creates the notes table through the writer role and the audit
// table through the logger role. It runs in its own request scope.
func InitSchema(ctx context.Context, reg *engine.Registry, log *logger.Logger) (err error) {
	scope := broker.NewScope(ctx, log)
	b := broker.New(scope, reg, broker.WithLogger(log))
	defer func() {
		scope.Finish()
		if err == nil {
			err = b.TeardownErr()
		}
	}()

	w, err := b.Writer()
	if err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS notes (
		`+dialect.AutoIncrementPK(w.DriverName())+`,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create notes table: %w", err)
	}
	if err := w.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit notes schema: %w", err)
	}

	l, err := b.Logger()
	if err != nil {
		return err
	}
	if _, err := l.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_log (
		`+dialect.AutoIncrementPK(l.DriverName())+`,
		request_id TEXT NOT NULL,
		action TEXT NOT NULL,
		note_id BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}
	if _, err := l.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_log_note_id ON audit_log(note_id)`); err != nil {
		return fmt.Errorf("failed to create audit_log index: %w", err)
	}
	return nil
}
