package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite3"
)

// rebind rewrites ? placeholders into the dialect's positional form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on database/sql. The same queries run against
// Postgres (pgx) and SQLite (modernc).
type SQLStore struct {
	db      *sql.DB
	ex      execer
	dialect dialect
	logger  *slog.Logger
	inTx    bool
}

// SQLRepository owns the connection behind a SQLStore.
type SQLRepository struct {
	*SQLStore
	pool *pgxpool.Pool
}

var _ Repository = (*SQLRepository)(nil)

// New opens a new connection pool to Postgres with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*SQLRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	r := &SQLRepository{
		SQLStore: newSQLStore(db, dialectPostgres, logger.With("component", "repo")),
		pool:     pool,
	}

	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, ex: db, dialect: d, logger: logger}
}

// Close releases the database connection.
func (r *SQLRepository) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// InTx executes fn within a database transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	child := &SQLStore{db: s.db, ex: tx, dialect: s.dialect, logger: s.logger, inTx: true}
	if err = fn(child); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.ex.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.ex.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.ex.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
