package db

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect names a supported SQL backend. Values match goose dialect names.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const sqliteScheme = "sqlite://"

// DialectFor infers the backend from a DATABASE_URL.
func DialectFor(databaseURL string) Dialect {
	url := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(url, sqliteScheme), strings.HasPrefix(url, "file:"), url == ":memory:":
		return DialectSQLite
	default:
		return DialectPostgres
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectSQLite {
		return "sqlite3"
	}
	return "pgx"
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
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

// LockClause is appended to a row select that must hold the row until commit.
// SQLite has no row locks; its transactions start IMMEDIATE instead.
func (d Dialect) LockClause() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// dsn converts a DATABASE_URL into the driver's data source name.
func (d Dialect) dsn(databaseURL string) string {
	if d != DialectSQLite {
		return databaseURL
	}
	path := strings.TrimPrefix(strings.TrimSpace(databaseURL), sqliteScheme)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000"
}

// IsUniqueViolation reports whether err is a unique or primary key violation
// from either backend.
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
