package sqlstore_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/badgerstore"
	"github.com/mickamy/revy/sqlstore"
)

type book struct {
	revy.Tracking
	ID    int64  `revy:"id,pk"`
	Title string `revy:"title"`
	Notes string `revy:"o'notes"`
}

func bookType(t *testing.T) *revy.Type {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h, err := revy.New(store, revy.Config{}, &book{})
	require.NoError(t, err)
	typ, err := h.TypeNamed("books")
	require.NoError(t, err)
	return typ
}

func TestSnapshotExpr_Postgres(t *testing.T) {
	t.Parallel()

	expr := sqlstore.SnapshotExpr(sqlstore.Postgres, sqlstore.Tables{}, bookType(t), "od")

	assert.True(t, strings.HasPrefix(expr, "jsonb_build_object('id', (SELECT revy_ad.\"new_value\" FROM \"revy__attribute_deltas\" revy_ad"))
	assert.Contains(t, expr, `revy_ad."target_type" = od."target_type"`)
	assert.Contains(t, expr, `revy_ad."object_delta_id" <= od."id"`)
	assert.Contains(t, expr, `revy_ad."field_name" = 'title'`)
	assert.Contains(t, expr, `'o''notes', (SELECT`)
	assert.Contains(t, expr, `ORDER BY revy_ad."id" DESC LIMIT 1)`)
	assert.NotContains(t, expr, "||")
}

func TestSnapshotExpr_MySQL(t *testing.T) {
	t.Parallel()

	expr := sqlstore.SnapshotExpr(sqlstore.MySQL, sqlstore.Tables{AttributeDeltas: "audit_ad"}, bookType(t), "o")

	assert.True(t, strings.HasPrefix(expr, "JSON_OBJECT('id', (SELECT revy_ad.`new_value` FROM `audit_ad` revy_ad"))
	assert.Contains(t, expr, "revy_ad.`target_id` = o.`target_id`")
	assert.Equal(t, 3, strings.Count(expr, "LIMIT 1)"))
}

type wide struct {
	revy.Tracking
	ID int64 `revy:"id,pk"`

	F01, F02, F03, F04, F05, F06, F07, F08, F09, F10 string
	F11, F12, F13, F14, F15, F16, F17, F18, F19, F20 string
	F21, F22, F23, F24, F25, F26, F27, F28, F29, F30 string
	F31, F32, F33, F34, F35, F36, F37, F38, F39, F40 string
	F41, F42, F43, F44, F45, F46, F47, F48, F49, F50 string
}

func TestSnapshotExpr_ChunksWideTypes(t *testing.T) {
	t.Parallel()

	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h, err := revy.New(store, revy.Config{}, &wide{})
	require.NoError(t, err)
	typ, err := h.TypeNamed("wides")
	require.NoError(t, err)
	require.Len(t, typ.Columns(), 51)

	expr := sqlstore.SnapshotExpr(sqlstore.Postgres, sqlstore.Tables{}, typ, "od")
	assert.Equal(t, 2, strings.Count(expr, "jsonb_build_object("))
	assert.Equal(t, 1, strings.Count(expr, " || "))
}
