// Package postgres implements the Storage contract on PostgreSQL using
// pgx. Reservation atomicity comes from FOR UPDATE SKIP LOCKED; ownership
// guards are plain conditional updates checked by rows affected; enqueue
// hints and cancellations ride LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/pressly/goose/v3"

	"github.com/relayq/relayq/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds connection parameters.
type Config struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
	// Migrate runs embedded goose migrations on connect.
	Migrate bool
}

// Store implements storage.Storage on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Storage              = (*Store)(nil)
	_ storage.Notifier             = (*Store)(nil)
	_ storage.CancellationNotifier = (*Store)(nil)
)

// Connect opens the pool and optionally migrates.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.Migrate {
		if err := migrate(cfg.DSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// migrate runs the embedded migrations through database/sql, which is what
// goose drives.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for integration tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation reports a 23505 from any unique index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
