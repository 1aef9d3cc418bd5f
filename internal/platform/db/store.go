package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/clinica/clinica/internal/platform/pii"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// sqliteDefaults are appended to SQLite DSNs that carry no options of their own.
const sqliteDefaults = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a database handle plus the dialect needed to talk to it.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
	path    string
}

// Open connects to driver/dsn, sizes the pool and pings the database.
// For SQLite the dsn is a file path, optionally followed by "?options".
func Open(ctx context.Context, driver, dsn string, maxConns, minConns int32) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	var path string
	if dialect == SQLite {
		path, _, _ = strings.Cut(dsn, "?")
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqliteDefaults
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetMaxIdleConns(int(minConns))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{DB: db, Dialect: dialect, path: path}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.DB.Close() }

// Path returns the database file for SQLite stores and "" otherwise.
func (s *Store) Path() string { return s.path }

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn returns the transaction carried by ctx, or the pool.
func (s *Store) Conn(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.DB
}

// Rebind rewrites "?" placeholders for the store's dialect.
func (s *Store) Rebind(query string) string { return s.Dialect.Rebind(query) }

// Columns lists the columns of table with their nullability. A table that
// does not exist yields an empty map.
func (s *Store) Columns(ctx context.Context, table string) (map[string]pii.Column, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch s.Dialect {
	case SQLite:
		rows, err = s.Conn(ctx).QueryContext(ctx, `SELECT name, "notnull" FROM pragma_table_info(?)`, table)
	case Postgres:
		rows, err = s.Conn(ctx).QueryContext(ctx, `SELECT column_name, CASE WHEN is_nullable = 'NO' THEN 1 ELSE 0 END
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1`, table)
	default:
		return nil, fmt.Errorf("unsupported dialect %v", s.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]pii.Column)
	for rows.Next() {
		var (
			name    string
			notNull int
		)
		if err := rows.Scan(&name, &notNull); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols[name] = pii.Column{Name: name, Nullable: notNull == 0}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	return cols, nil
}

// IsUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
