package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mickamy/revy/internal/ident"
)

type index struct {
	table   string
	columns []string
}

// DDL returns the statements creating the audit tables and their indexes.
// codec is the value codec name and picks the value column type.
func DDL(d Dialect, tables Tables, codec string) []string {
	tables = tables.withDefaults()
	st := d.flavor().Style()

	deltaCols := func() []string {
		return []string{
			"id " + d.serial(),
			"revision_id BIGINT NOT NULL",
			"actor_type " + d.key(),
			"actor_id " + d.key(),
			"action " + d.key() + " NOT NULL",
			"description " + d.text() + " NOT NULL",
			"target_type " + d.key() + " NOT NULL",
			"target_id " + d.key() + " NOT NULL",
			"created_at " + d.timestamp() + " NOT NULL",
			"updated_at " + d.timestamp() + " NOT NULL",
		}
	}
	attrCols := append(deltaCols(),
		"object_delta_id BIGINT NOT NULL",
		"field_name "+d.key()+" NOT NULL",
		"old_value "+d.value(codec),
		"new_value "+d.value(codec),
	)
	defs := []struct {
		table   string
		columns []string
		indexes []index
	}{
		{
			table: tables.Revisions,
			columns: []string{
				"id " + d.serial(),
				"description " + d.text() + " NOT NULL",
				"created_at " + d.timestamp() + " NOT NULL",
				"updated_at " + d.timestamp() + " NOT NULL",
			},
		},
		{
			table:   tables.ObjectDeltas,
			columns: deltaCols(),
			indexes: []index{
				{tables.ObjectDeltas, []string{"revision_id"}},
				{tables.ObjectDeltas, []string{"target_type", "target_id"}},
			},
		},
		{
			table:   tables.AttributeDeltas,
			columns: attrCols,
			indexes: []index{
				{tables.AttributeDeltas, []string{"revision_id"}},
				{tables.AttributeDeltas, []string{"object_delta_id"}},
				{tables.AttributeDeltas, []string{"target_type", "target_id", "field_name"}},
			},
		},
	}

	var stmts []string
	for _, def := range defs {
		columns := def.columns
		if d == MySQL {
			for _, ix := range def.indexes {
				columns = append(columns, fmt.Sprintf("INDEX %s (%s)", st.Quote(ident.IndexName(ix.table, ix.columns...)), strings.Join(ix.columns, ", ")))
			}
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", st.Table(def.table), strings.Join(columns, ",\n\t")))
		if d == Postgres {
			for _, ix := range def.indexes {
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
					st.Quote(ident.IndexName(ix.table, ix.columns...)), st.Table(ix.table), strings.Join(ix.columns, ", ")))
			}
		}
	}
	return stmts
}

// Migrate creates the audit tables when missing. Entity tables are managed
// by the application.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range DDL(s.dialect, s.tables, s.codec.Name()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "sqlstore: migrate %s", firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSuffix(strings.TrimSpace(s[:i]), "(")
	}
	return s
}
