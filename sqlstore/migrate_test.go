package sqlstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy/sqlstore"
)

func TestDDL(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name     string
		dialect  sqlstore.Dialect
		codec    string
		wantLen  int
		contains []string
	}{
		{
			name:    "postgres json",
			dialect: sqlstore.Postgres,
			codec:   "json",
			wantLen: 8,
			contains: []string{
				`CREATE TABLE IF NOT EXISTS "revy__revisions" (`,
				"id BIGSERIAL PRIMARY KEY",
				"new_value JSONB",
				`CREATE INDEX IF NOT EXISTS "idx_revy__attribute_deltas_target_type_target_id_field_name" ON "revy__attribute_deltas" (target_type, target_id, field_name)`,
			},
		},
		{
			name:    "postgres msgpack",
			dialect: sqlstore.Postgres,
			codec:   "msgpack",
			wantLen: 8,
			contains: []string{
				"old_value BYTEA",
			},
		},
		{
			name:    "mysql json",
			dialect: sqlstore.MySQL,
			codec:   "json",
			wantLen: 3,
			contains: []string{
				"CREATE TABLE IF NOT EXISTS `revy__object_deltas` (",
				"id BIGINT AUTO_INCREMENT PRIMARY KEY",
				"target_id VARCHAR(255) NOT NULL",
				"created_at DATETIME(6) NOT NULL",
				"INDEX `idx_revy__object_deltas_target_type_target_id` (target_type, target_id)",
				"new_value JSON",
			},
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			stmts := sqlstore.DDL(tc.dialect, sqlstore.Tables{}, tc.codec)
			require.Len(t, stmts, tc.wantLen)
			all := ""
			for _, s := range stmts {
				all += s + "\n"
			}
			for _, want := range tc.contains {
				assert.Contains(t, all, want)
			}
		})
	}
}

func TestDDL_CustomTables(t *testing.T) {
	t.Parallel()

	stmts := sqlstore.DDL(sqlstore.Postgres, sqlstore.Tables{Revisions: "audit.revisions"}, "json")
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "audit"."revisions" (`)
	assert.Contains(t, stmts[1], `"revy__object_deltas"`)
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		in      string
		want    sqlstore.Dialect
		wantErr bool
	}{
		{in: "pgx", want: sqlstore.Postgres},
		{in: "PostgreSQL", want: sqlstore.Postgres},
		{in: "mysql", want: sqlstore.MySQL},
		{in: "mariadb", want: sqlstore.MySQL},
		{in: "oracle", wantErr: true},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := sqlstore.ParseDialect(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Equal(t, "pgx", sqlstore.Postgres.Driver())
	assert.Equal(t, "mysql", sqlstore.MySQL.Driver())
}
