package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/common/config"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/db/dialect"
	"github.com/kandev/sqlbroker/internal/engine"
)

// Provide opens every configured engine and registers it on reg. The
// returned cleanup disposes all registered pools.
func Provide(ctx context.Context, cfg *config.Config, reg *engine.Registry, log *logger.Logger) (func() error, error) {
	shared := make(map[string]*sharedDB)

	for _, role := range openOrder(cfg) {
		ec := cfg.Engines[role]
		pool, err := openPool(ctx, ec, shared)
		if err != nil {
			_ = reg.DisposeAll(ctx)
			return nil, fmt.Errorf("failed to open engine %q: %w", role, err)
		}

		opts, err := registerOptions(ec)
		if err != nil {
			_ = pool.Close()
			_ = reg.DisposeAll(ctx)
			return nil, fmt.Errorf("engine %q: %w", role, err)
		}
		if _, err := reg.Register(role, pool, opts); err != nil {
			_ = pool.Close()
			_ = reg.DisposeAll(ctx)
			return nil, err
		}
		if log != nil {
			log.Info("Database engine initialized",
				zap.String("role", role),
				zap.String("db_driver", ec.Driver),
				zap.String("db_path", ec.Path))
		}
	}

	cleanup := func() error {
		return reg.DisposeAll(context.Background())
	}
	return cleanup, nil
}

// openOrder puts writable SQLite roles first so the database file exists
// and is in WAL mode before any read-only connection opens it.
func openOrder(cfg *config.Config) []string {
	roles := cfg.Roles()
	sort.SliceStable(roles, func(i, j int) bool {
		return !cfg.Engines[roles[i]].ReadOnly && cfg.Engines[roles[j]].ReadOnly
	})
	return roles
}

func openPool(ctx context.Context, ec config.EngineConfig, shared map[string]*sharedDB) (*Pool, error) {
	switch ec.Driver {
	case dialect.SQLite3:
		if ec.ReadOnly {
			conn, err := OpenSQLiteReader(ec.Path, ec.MaxConns)
			if err != nil {
				return nil, err
			}
			return NewPool(sqlx.NewDb(conn, dialect.SQLite3), true), nil
		}
		conn, err := OpenSQLite(ec.Path)
		if err != nil {
			return nil, err
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
		}
		return NewPool(sqlx.NewDb(conn, dialect.SQLite3), false), nil

	case dialect.PGX, dialect.Postgres:
		key := ec.Driver + "|" + ec.DSN
		s, ok := shared[key]
		if !ok {
			conn, err := OpenPostgres(ec.Driver, ec.DSN, ec.MaxConns, ec.MinConns)
			if err != nil {
				return nil, err
			}
			s = &sharedDB{db: sqlx.NewDb(conn, ec.Driver)}
			shared[key] = s
		}
		return s.acquire(ec.ReadOnly), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", ec.Driver)
	}
}

func registerOptions(ec config.EngineConfig) (engine.RegisterOptions, error) {
	session := engine.DefaultSessionOptions()
	level, err := ParseIsolation(ec.Isolation)
	if err != nil {
		return engine.RegisterOptions{}, err
	}
	session.Isolation = level

	return engine.RegisterOptions{
		IsDefault:                ec.IsDefault,
		IsScoped:                 ec.Scoped(),
		UseExternalTxCoordinator: ec.ExternalTx,
		IsReadOnly:               ec.ReadOnly,
		IsAutocommit:             ec.Autocommit,
		Session:                  &session,
	}, nil
}

// ParseIsolation maps a database/sql isolation level name, case
// insensitively, to its level. An empty name is the driver default.
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	if name == "" {
		return sql.LevelDefault, nil
	}
	for level := sql.LevelDefault; level <= sql.LevelLinearizable; level++ {
		if strings.EqualFold(level.String(), name) {
			return level, nil
		}
	}
	return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", name)
}
