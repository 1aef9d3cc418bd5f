package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour of a Store.
type Dialect int

const (
	SQLite Dialect = iota + 1
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return SQLite, nil
	case DriverPostgres:
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q (want %q or %q)", driver, DriverSQLite, DriverPostgres)
}

// String names the dialect; migrations live in a directory of the same name.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return "unknown"
}

// Rebind converts "?" placeholders to "$n" for Postgres. Queries must not
// contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
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
