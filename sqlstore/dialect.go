package sqlstore

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/mickamy/revy/internal/query"
)

// Dialect is the SQL flavor of the connected database.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
)

// ParseDialect accepts a dialect or driver name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	}
	return 0, errors.Errorf("sqlstore: unknown dialect %q", name)
}

// Driver returns the database/sql driver name registered for d.
func (d Dialect) Driver() string {
	if d == MySQL {
		return "mysql"
	}
	return "pgx"
}

func (d Dialect) String() string {
	if d == MySQL {
		return "mysql"
	}
	return "postgres"
}

func (d Dialect) flavor() query.Flavor {
	if d == MySQL {
		return query.MySQL
	}
	return query.Postgres
}

func (d Dialect) serial() string {
	if d == MySQL {
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return "BIGSERIAL PRIMARY KEY"
}

func (d Dialect) timestamp() string {
	if d == MySQL {
		return "DATETIME(6)"
	}
	return "TIMESTAMPTZ"
}

func (d Dialect) text() string {
	return "TEXT"
}

// key is the column type of indexed string columns; MySQL cannot index TEXT
// without a prefix length.
func (d Dialect) key() string {
	if d == MySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// value is the column type of encoded attribute values.
func (d Dialect) value(codec string) string {
	switch {
	case codec == "json" && d == MySQL:
		return "JSON"
	case codec == "json":
		return "JSONB"
	case d == MySQL:
		return "LONGBLOB"
	}
	return "BYTEA"
}
