package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/kandev/sqlbroker/internal/db/dialect"
)

const postgresPingTimeout = 10 * time.Second

// OpenPostgres opens a PostgreSQL connection pool through either the pgx
// stdlib driver or lib/pq. If maxConns or minConns are 0, they default to
// 25 and 5 respectively.
func OpenPostgres(driver, dsn string, maxConns, minConns int) (*sql.DB, error) {
	if !dialect.IsPostgres(driver) {
		return nil, fmt.Errorf("unsupported postgres driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
