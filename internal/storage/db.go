package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"clarity/internal/storage/migrations"
)

// Store is a KV backed by a single SQL table.
type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	budget int64
}

var _ KV = (*Store)(nil)

func Open(ctx context.Context, driver, dsn string, autoMigrate bool, budget int64) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	sqlDriver := driver
	if driver == "postgres" {
		sqlDriver = "pgx"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// one connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.UpContext(ctx, db, "."); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		budget: budget,
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value").From("kv_entries").Where(sq.Eq{"name": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set replaces the value under key, failing with ErrQuotaExceeded when the
// total size of all values would exceed the budget.
func (s *Store) Set(ctx context.Context, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	used, err := s.usage(ctx, tx)
	if err != nil {
		return err
	}
	old, err := s.sizeOf(ctx, tx, key)
	if err != nil {
		return err
	}
	size := int64(len(value))
	if overBudget(s.budget, used, old, size) {
		return ErrQuotaExceeded
	}

	q := s.sql.Insert("kv_entries").
		Columns("name", "value", "size_bytes", "updated_at").
		Values(key, value, size, nowExpr(s.driver)).
		Suffix("ON CONFLICT(name) DO UPDATE SET value=excluded.value, size_bytes=excluded.size_bytes, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	q := s.sql.Delete("kv_entries").Where(sq.Eq{"name": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Usage(ctx context.Context) (int64, error) {
	return s.usage(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) usage(ctx context.Context, db queryRower) (int64, error) {
	sqlStr, args, err := s.sql.Select("CAST(COALESCE(SUM(size_bytes), 0) AS BIGINT)").From("kv_entries").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage query: %w", err)
	}
	var used int64
	if err := db.QueryRowContext(ctx, sqlStr, args...).Scan(&used); err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

func (s *Store) sizeOf(ctx context.Context, db queryRower, key string) (int64, error) {
	sqlStr, args, err := s.sql.Select("size_bytes").From("kv_entries").Where(sq.Eq{"name": key}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build size query: %w", err)
	}
	var size int64
	if err := db.QueryRowContext(ctx, sqlStr, args...).Scan(&size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read size of %q: %w", key, err)
	}
	return size, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
