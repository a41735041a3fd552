package query_test

import (
	"reflect"
	"testing"

	"github.com/mickamy/revy/internal/query"
)

func TestInsert(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name     string
		flavor   query.Flavor
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "postgres",
			flavor:   query.Postgres,
			wantSQL:  `INSERT INTO "public"."orders" ("id", "amount") VALUES ($1, $2)`,
			wantArgs: []any{1, 10},
		},
		{
			name:     "mysql",
			flavor:   query.MySQL,
			wantSQL:  "INSERT INTO `public`.`orders` (`id`, `amount`) VALUES (?, ?)",
			wantArgs: []any{1, 10},
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := query.Insert(tc.flavor, "public.orders", []string{"id", "amount"}, []any{1, 10})
			if got := b.String(); got != tc.wantSQL {
				t.Fatalf("sql mismatch\nwant: %s\n got: %s", tc.wantSQL, got)
			}
			if !reflect.DeepEqual(b.Bound(), tc.wantArgs) {
				t.Fatalf("args mismatch: want %v, got %v", tc.wantArgs, b.Bound())
			}
		})
	}
}

func TestUpsert(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name   string
		flavor query.Flavor
		cols   []string
		want   string
	}{
		{
			name:   "postgres updates non key columns",
			flavor: query.Postgres,
			cols:   []string{"id", "name", "price"},
			want:   `INSERT INTO "items" ("id", "name", "price") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "price" = EXCLUDED."price"`,
		},
		{
			name:   "postgres key only",
			flavor: query.Postgres,
			cols:   []string{"id"},
			want:   `INSERT INTO "items" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`,
		},
		{
			name:   "mysql updates non key columns",
			flavor: query.MySQL,
			cols:   []string{"id", "name"},
			want:   "INSERT INTO `items` (`id`, `name`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `name` = VALUES(`name`)",
		},
		{
			name:   "mysql key only",
			flavor: query.MySQL,
			cols:   []string{"id"},
			want:   "INSERT INTO `items` (`id`) VALUES (?) ON DUPLICATE KEY UPDATE `id` = `id`",
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			vals := make([]any, len(tc.cols))
			got := query.Upsert(tc.flavor, "items", "id", tc.cols, vals).String()
			if got != tc.want {
				t.Fatalf("sql mismatch\nwant: %s\n got: %s", tc.want, got)
			}
		})
	}
}

func TestWhere(t *testing.T) {
	t.Parallel()

	b := query.New(query.Postgres)
	b.Write("SELECT ").Columns("o", "id", "status").Write(" FROM ").Ident("orders").Write(" o")
	new(query.Where).Eq("o", "status", "open").Op("o", "id", ">", 5).IsNull("o", "deleted_at").WriteTo(b)

	want := `SELECT o."id", o."status" FROM "orders" o WHERE o."status" = $1 AND o."id" > $2 AND o."deleted_at" IS NULL`
	if got := b.String(); got != want {
		t.Fatalf("sql mismatch\nwant: %s\n got: %s", want, got)
	}
	if !reflect.DeepEqual(b.Bound(), []any{"open", 5}) {
		t.Fatalf("unexpected args: %v", b.Bound())
	}

	empty := query.New(query.MySQL).Write("DELETE FROM t")
	w := new(query.Where)
	if !w.Empty() {
		t.Fatal("new Where should be empty")
	}
	w.WriteTo(empty)
	if got := empty.String(); got != "DELETE FROM t" {
		t.Fatalf("empty where changed sql: %s", got)
	}
}

func TestAppendReturning(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name   string
		sql    string
		cols   []string
		want   string
		wantOK bool
	}{
		{
			name:   "append all",
			sql:    "INSERT INTO t (a) VALUES ($1)",
			want:   "INSERT INTO t (a) VALUES ($1)\nRETURNING *",
			wantOK: true,
		},
		{
			name:   "append columns",
			sql:    "INSERT INTO t (a) VALUES ($1)",
			cols:   []string{`"id"`, `"created_at"`},
			want:   "INSERT INTO t (a) VALUES ($1)\nRETURNING \"id\", \"created_at\"",
			wantOK: true,
		},
		{
			name:   "semicolon preserved",
			sql:    "UPDATE t SET a = 1;",
			want:   "UPDATE t SET a = 1\nRETURNING *;",
			wantOK: true,
		},
		{
			name:   "empty",
			sql:    "   ",
			want:   "   ",
			wantOK: false,
		},
		{
			name:   "only semicolons",
			sql:    ";;",
			want:   ";;",
			wantOK: false,
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := query.AppendReturning(tc.sql, tc.cols...)
			if ok != tc.wantOK {
				t.Fatalf("ok mismatch: want %v, got %v", tc.wantOK, ok)
			}
			if got != tc.want {
				t.Fatalf("sql mismatch\nwant: %q\n got: %q", tc.want, got)
			}
		})
	}
}

func TestLiteral(t *testing.T) {
	t.Parallel()

	if got := query.Literal("o'brien"); got != "'o''brien'" {
		t.Fatalf("unexpected literal: %s", got)
	}
	if got := query.MySQL.Placeholder(3); got != "?" {
		t.Fatalf("unexpected mysql placeholder: %s", got)
	}
	if got := query.Postgres.Placeholder(3); got != "$3" {
		t.Fatalf("unexpected postgres placeholder: %s", got)
	}
}
