package revy_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
)

func TestSnapshot_RoundTripAndRestore(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	ctx := as(t, alice)
	author, books := seedLibrary(t, ctx, e.h, 1)
	book := books[0]

	for _, title := range []string{"first", "second", "third"} {
		require.NoError(t, e.h.Set(ctx, book, "title", title))
		require.NoError(t, e.h.Save(ctx, book))
	}
	require.NoError(t, e.h.Delete(ctx, book))

	ods := e.history(t, ctx, book)
	require.Len(t, ods, 5)
	assert.Equal(t, revy.ActionDelete, ods[4].Action)

	beforeDelete, err := e.h.Snapshot(ctx, ods[3])
	require.NoError(t, err)
	assert.Equal(t, "third", beforeDelete["title"])

	ids := make([]int64, len(ods))
	for i, od := range ods {
		ids[i] = od.ID
	}
	snaps, err := e.h.Snapshots(ctx, "books", ids...)
	require.NoError(t, err)
	require.Len(t, snaps, len(ods))
	assert.Equal(t, "vol", snaps[ods[0].ID]["title"])
	assert.Equal(t, "first", snaps[ods[1].ID]["title"])
	assert.Equal(t, "third", snaps[ods[4].ID]["title"])
	assert.Equal(t, json.Number("1"), snaps[ods[0].ID]["author_id"])

	restored := &Book{}
	require.NoError(t, e.h.Restore(ctx, restored, ods[3]))
	assert.Equal(t, book.ID, restored.ID)
	assert.Equal(t, "third", restored.Title)
	assert.Equal(t, author.ID, restored.AuthorID)
	require.NoError(t, e.h.Save(ctx, restored))

	got := &Book{}
	require.NoError(t, e.h.Fetch(ctx, got, book.ID))
	assert.Equal(t, "third", got.Title)

	ods = e.history(t, ctx, book)
	require.Len(t, ods, 6)
	assert.Equal(t, revy.ActionCreate, ods[5].Action, "restoring re-creates the entity under its key")
}

func TestSnapshots_RejectsOtherTypes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	ctx := as(t, alice)
	a := newAccount(t, ctx, e.h, nil)
	od := e.history(t, ctx, a)[0]

	_, err := e.h.Snapshots(ctx, "books", od.ID)
	assert.Error(t, err)
	assert.Error(t, e.h.Restore(ctx, &Book{}, od))
	_, err = e.h.Snapshots(ctx, "nothing", od.ID)
	assert.ErrorIs(t, err, revy.ErrNotRegistered)
}

func TestReplay(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	typ, err := e.h.TypeNamed("accounts")
	require.NoError(t, err)

	target := revy.Ref{Type: "accounts", ID: "1"}
	other := revy.Ref{Type: "accounts", ID: "2"}
	ad := func(id, od int64, target revy.Ref, field string, v any) *revy.AttributeDelta {
		return &revy.AttributeDelta{
			Delta:         revy.Delta{ID: id, Target: target},
			ObjectDeltaID: od,
			FieldName:     field,
			NewValue:      v,
		}
	}
	deltas := []*revy.AttributeDelta{
		ad(1, 10, target, "code", "a"),
		ad(2, 10, target, "balance", 1.0),
		ad(3, 11, other, "code", "other"),
		ad(5, 12, target, "code", "c"),
		ad(4, 12, target, "code", "b"),
		ad(6, 13, target, "balance", 2.0),
	}

	tcs := []struct {
		name string
		od   int64
		want revy.Values
	}{
		{name: "first delta", od: 10, want: revy.Values{"id": nil, "code": "a", "balance": 1.0, "note": nil}},
		{name: "other target ignored", od: 11, want: revy.Values{"id": nil, "code": "a", "balance": 1.0, "note": nil}},
		{name: "newest delta wins within an object delta", od: 12, want: revy.Values{"id": nil, "code": "c", "balance": 1.0, "note": nil}},
		{name: "latest", od: 13, want: revy.Values{"id": nil, "code": "c", "balance": 2.0, "note": nil}},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			od := &revy.ObjectDelta{Delta: revy.Delta{ID: tc.od, Target: target}}
			assert.Equal(t, tc.want, revy.Replay(typ, od, deltas))
		})
	}
}

func TestReplayAll_MatchesSnapshot(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	ctx := as(t, alice)
	a := newAccount(t, ctx, e.h, revy.Values{"code": "A1"})
	b := newAccount(t, ctx, e.h, revy.Values{"code": "B1"})
	require.NoError(t, e.h.Set(ctx, a, "code", "A2"))
	require.NoError(t, e.h.Save(ctx, a))

	typ, err := e.h.TypeOf(a)
	require.NoError(t, err)
	ods := append(e.history(t, ctx, a), e.history(t, ctx, b)...)
	require.Len(t, ods, 3)

	r, release, err := e.store.Reader(ctx)
	require.NoError(t, err)
	defer release()
	got, err := revy.ReplayAll(ctx, r, typ, ods)
	require.NoError(t, err)
	require.Len(t, got, len(ods))
	for _, od := range ods {
		want, err := e.h.Snapshot(ctx, od)
		require.NoError(t, err)
		assert.Equal(t, want, got[od.ID])
	}
	assert.Equal(t, "A1", got[ods[0].ID]["code"])
	assert.Equal(t, "A2", got[ods[1].ID]["code"])
	assert.Equal(t, "B1", got[ods[2].ID]["code"])
}
