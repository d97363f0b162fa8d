package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/log"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Session is the executor handed to every repository operation. Both
// *sqlx.DB (auto-commit reads) and *sqlx.Tx satisfy it; the outermost owner
// of a transaction commits, nested callers just reuse the handle.
type Session = sqlx.ExtContext

// DB wraps the sqlx handle with dialect knowledge.
type DB struct {
	*sqlx.DB
	driver string
	log    zerolog.Logger
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg config.Database) (*DB, error) {
	var driverName string
	switch cfg.Driver {
	case "postgres":
		driverName = "pgx"
	case "sqlite":
		driverName = "sqlite3"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	xdb, err := sqlx.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite has a single writer; more connections only add lock churn.
		xdb.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			xdb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			xdb.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	if err := xdb.Ping(); err != nil {
		xdb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:     xdb,
		driver: cfg.Driver,
		log:    log.WithComponent("database"),
	}, nil
}

// Driver returns the configured backend name ("postgres" or "sqlite").
func (db *DB) Driver() string { return db.driver }

// Migrate applies all pending schema migrations for the active dialect.
func (db *DB) Migrate() error {
	dialect, dir := "postgres", "migrations/postgres"
	if db.driver == "sqlite" {
		dialect, dir = "sqlite3", "migrations/sqlite"
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB.DB, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Transact runs fn inside a transaction, committing on success and rolling
// back on error or panic. Repository operations called with the provided tx
// never commit themselves.
func (db *DB) Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Error().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	return wrapError("commit transaction", tx.Commit())
}
