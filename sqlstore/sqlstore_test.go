package sqlstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/sqlstore"
)

type author struct {
	revy.Tracking
	ID   int64  `revy:"id,pk"`
	Name string `revy:"name"`
}

func (author) TableName() string { return "revy_test_authors" }

type post struct {
	revy.Tracking
	ID       int64  `revy:"id,pk"`
	Title    string `revy:"title"`
	AuthorID *int64 `revy:"author_id,ref=revy_test_authors,ondelete=setnull"`
}

func (post) TableName() string { return "revy_test_posts" }

// openStore connects to the database named by the environment. Tests are
// skipped without one.
func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	var dialect sqlstore.Dialect
	dsn := os.Getenv("REVY_POSTGRES_DSN")
	if dsn == "" {
		dsn = os.Getenv("REVY_MYSQL_DSN")
		dialect = sqlstore.MySQL
	}
	if dsn == "" {
		t.Skip("REVY_POSTGRES_DSN or REVY_MYSQL_DSN not set")
	}

	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	store, err := sqlstore.Open(ctx, dsn, sqlstore.Options{
		Dialect: dialect,
		Tables: sqlstore.Tables{
			Revisions:       "revy_test_rev_" + suffix,
			ObjectDeltas:    "revy_test_od_" + suffix,
			AttributeDeltas: "revy_test_ad_" + suffix,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	serial := "BIGSERIAL PRIMARY KEY"
	if dialect == sqlstore.MySQL {
		serial = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS revy_test_posts",
		"DROP TABLE IF EXISTS revy_test_authors",
		"CREATE TABLE revy_test_authors (id " + serial + ", name TEXT NOT NULL)",
		"CREATE TABLE revy_test_posts (id " + serial + ", title TEXT NOT NULL, author_id BIGINT)",
	} {
		_, err := store.DB().ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() {
		tables := store.Tables()
		for _, name := range []string{"revy_test_posts", "revy_test_authors", tables.AttributeDeltas, tables.ObjectDeltas, tables.Revisions} {
			_, _ = store.DB().ExecContext(context.Background(), "DROP TABLE IF EXISTS "+name)
		}
	})
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	h, err := revy.New(store, revy.Config{}, &author{}, &post{})
	require.NoError(t, err)

	ctx, exit := revy.Enter(ctx, revy.WithActor(revy.Ref{Type: "users", ID: "7"}))
	defer exit()

	a := &author{}
	require.NoError(t, h.Construct(ctx, a, revy.Values{"name": "Ada"}))
	require.NoError(t, h.Save(ctx, a))
	require.NotZero(t, a.ID)

	p := &post{}
	require.NoError(t, h.Construct(ctx, p, revy.Values{"title": "Notes", "author_id": a})) // model becomes its key
	require.NoError(t, h.Save(ctx, p))

	require.NoError(t, h.Set(ctx, p, "title", "Notes, revised"))
	require.NoError(t, h.Save(ctx, p))

	ref, err := h.Ref(p)
	require.NoError(t, err)
	history, err := h.History(ctx, ref)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, revy.ActionCreate, history[0].Action)
	assert.Equal(t, revy.ActionUpdate, history[1].Action)
	assert.Equal(t, revy.Ref{Type: "users", ID: "7"}, history[1].Actor)

	snaps, err := h.Snapshots(ctx, "revy_test_posts", history[0].ID, history[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Notes", snaps[history[0].ID]["title"])
	assert.Equal(t, "Notes, revised", snaps[history[1].ID]["title"])

	// deleting the author nulls the post's reference through a recorded update
	require.NoError(t, h.Delete(ctx, a))
	fetched := &post{}
	require.NoError(t, h.Fetch(ctx, fetched, p.ID))
	assert.Nil(t, fetched.AuthorID)

	history, err = h.History(ctx, ref)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[2].Actor.IsZero())
}

func TestStore_NestedAtomicRollsBackToSavepoint(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	h, err := revy.New(store, revy.Config{}, &author{}, &post{})
	require.NoError(t, err)

	errBoom := fmt.Errorf("boom")
	err = h.Atomic(ctx, func(ctx context.Context) error {
		a := &author{}
		require.NoError(t, h.Construct(ctx, a, revy.Values{"name": "kept"}))
		require.NoError(t, h.Save(ctx, a))

		inner := h.Atomic(ctx, func(ctx context.Context) error {
			b := &author{}
			require.NoError(t, h.Construct(ctx, b, revy.Values{"name": "dropped"}))
			require.NoError(t, h.Save(ctx, b))
			return errBoom
		})
		assert.ErrorIs(t, inner, errBoom)
		return nil
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM revy_test_authors").Scan(&n))
	assert.Equal(t, 1, n)

	ods, err := h.History(ctx, revy.Ref{Type: "revy_test_authors", ID: "2"})
	require.NoError(t, err)
	assert.Empty(t, ods)
}
