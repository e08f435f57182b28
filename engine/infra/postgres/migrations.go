package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/tbcv/tbcv/pkg/logger"

	// Register the pgx stdlib driver for database/sql based migrations.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var gooseInitMu sync.Mutex

const advisoryLockTimeout = 45 * time.Second

// ApplyMigrations executes all embedded migrations against the database
// reachable through dsn.
func ApplyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open database for migrations: %w", err)
	}
	defer db.Close()
	return migrateUp(ctx, db)
}

// ApplyMigrationsWithLock serializes migration runs across processes through
// a Postgres advisory lock so concurrent starters do not race on DDL. The
// lock key derives from two constant strings to avoid magic numbers.
func ApplyMigrationsWithLock(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open database for migrations: %w", err)
	}
	defer db.Close()
	dbConn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire migration connection: %w", err)
	}
	defer dbConn.Close()
	lockCtx, cancel := context.WithTimeout(ctx, advisoryLockTimeout)
	defer cancel()
	if _, err := dbConn.ExecContext(
		lockCtx,
		"SELECT pg_advisory_lock(hashtext($1), hashtext($2))",
		"tbcv",
		"migrations",
	); err != nil {
		return fmt.Errorf("postgres: acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := dbConn.ExecContext(
			context.WithoutCancel(ctx),
			"SELECT pg_advisory_unlock(hashtext($1), hashtext($2))",
			"tbcv",
			"migrations",
		); err != nil {
			logger.FromContext(ctx).Warn("postgres: release migration advisory lock failed", "error", err)
		}
	}()
	return migrateUp(ctx, db)
}

// MigrateDB runs the embedded migrations against an already open handle.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	return migrateUp(ctx, db)
}

func migrateUp(ctx context.Context, db *sql.DB) error {
	gooseInitMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseInitMu.Unlock()
	}()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}
