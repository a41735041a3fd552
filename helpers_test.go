package revy_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/badgerstore"
)

type Account struct {
	revy.Tracking
	ID      int64   `revy:"id,pk"`
	Code    string  `revy:"code"`
	Balance float64 `revy:"balance"`
	Note    *string `revy:"note"`
}

func (*Account) Defaults() revy.Values {
	return revy.Values{"code": "E.0000"}
}

type Author struct {
	revy.Tracking
	ID   int64  `revy:"id,pk"`
	Name string `revy:"name"`
}

type Book struct {
	revy.Tracking
	ID       int64  `revy:"id,pk"`
	Title    string `revy:"title"`
	AuthorID int64  `revy:"author_id,ref=authors,ondelete=cascade"`
}

type Review struct {
	revy.Tracking
	ID     int64  `revy:"id,pk"`
	BookID *int64 `revy:"book_id,ref=books,ondelete=setnull"`
	Stars  int    `revy:"stars"`
}

type Loan struct {
	revy.Tracking
	ID     string `revy:"id,pk"`
	BookID int64  `revy:"book_id,ref=books"`
	Days   int    `revy:"days"`
}

func (*Loan) Defaults() revy.Values {
	return revy.Values{"book_id": int64(-1), "days": 14}
}

func (*Loan) OnDelete() map[string]revy.OnDelete {
	return map[string]revy.OnDelete{"book_id": revy.SetDefault}
}

var (
	alice = revy.Ref{Type: "users", ID: "alice"}
	bob   = revy.Ref{Type: "users", ID: "bob"}
)

type env struct {
	h     *revy.Handler
	store *badgerstore.Store
	reg   *prometheus.Registry
	logs  *test.Hook
}

func newEnv(t *testing.T, cfg revy.Config, models ...revy.Model) *env {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	cfg.Logger = logger
	cfg.Registerer = reg
	if len(models) == 0 {
		models = []revy.Model{&Account{}, &Author{}, &Book{}, &Review{}, &Loan{}}
	}
	h, err := revy.New(store, cfg, models...)
	require.NoError(t, err)
	return &env{h: h, store: store, reg: reg, logs: hook}
}

// as enters a scope acting as actor for the rest of the test.
func as(t *testing.T, actor revy.Ref, opts ...revy.Option) context.Context {
	t.Helper()
	ctx, exit := revy.Enter(context.Background(), append([]revy.Option{revy.WithActor(actor)}, opts...)...)
	t.Cleanup(exit)
	return ctx
}

func (e *env) history(t *testing.T, ctx context.Context, m revy.Model) []*revy.ObjectDelta {
	t.Helper()
	ref, err := e.h.Ref(m)
	require.NoError(t, err)
	ods, err := e.h.History(ctx, ref)
	require.NoError(t, err)
	return ods
}

func (e *env) attributeDeltas(t *testing.T, ctx context.Context, od *revy.ObjectDelta) map[string]*revy.AttributeDelta {
	t.Helper()
	ads, err := e.h.AttributeDeltasOf(ctx, od)
	require.NoError(t, err)
	out := make(map[string]*revy.AttributeDelta, len(ads))
	for _, ad := range ads {
		require.NotContains(t, out, ad.FieldName, "one attribute delta per field and object delta")
		out[ad.FieldName] = ad
	}
	return out
}

func (e *env) count(t *testing.T, f revy.Filter) (ods, ads int) {
	t.Helper()
	r, release, err := e.store.Reader(context.Background())
	require.NoError(t, err)
	defer release()
	o, err := r.ObjectDeltas(context.Background(), f)
	require.NoError(t, err)
	a, err := r.AttributeDeltas(context.Background(), f)
	require.NoError(t, err)
	return len(o), len(a)
}

func newAccount(t *testing.T, ctx context.Context, h *revy.Handler, vs revy.Values) *Account {
	t.Helper()
	a := &Account{}
	require.NoError(t, h.Construct(ctx, a, vs))
	require.NoError(t, h.Save(ctx, a))
	return a
}
