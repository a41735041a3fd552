package revy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/revy"
)

func seedLibrary(t *testing.T, ctx context.Context, h *revy.Handler, books int) (*Author, []*Book) {
	t.Helper()
	author := &Author{}
	require.NoError(t, h.Construct(ctx, author, revy.Values{"name": "Le Guin"}))
	require.NoError(t, h.Save(ctx, author))
	out := make([]*Book, books)
	for i := range out {
		b := &Book{}
		require.NoError(t, h.Construct(ctx, b, revy.Values{"title": "vol", "author_id": author.ID}))
		require.NoError(t, h.Save(ctx, b))
		out[i] = b
	}
	return author, out
}

func TestDelete_CascadeRecordsEveryRow(t *testing.T) {
	t.Parallel()

	// a chunk size below the number of dependents exercises pagination
	e := newEnv(t, revy.Config{ChunkSize: 2})
	ctx := as(t, alice)
	author, books := seedLibrary(t, ctx, e.h, 5)

	lazy := revy.Lazy()
	delCtx, exit := revy.Enter(ctx, revy.WithLazyRevision(lazy), revy.WithDeletionDescription("rights expired"))
	defer exit()
	require.NoError(t, e.h.Delete(delCtx, author))
	assert.True(t, revy.StateOf(author).IsDeleted())

	ods, _ := e.count(t, revy.Filter{RevisionID: lazy.Revision().ID})
	assert.Equal(t, 1+len(books), ods)

	authorHistory := e.history(t, ctx, author)
	require.Len(t, authorHistory, 2)
	assert.Equal(t, revy.ActionDelete, authorHistory[1].Action)
	assert.Equal(t, alice, authorHistory[1].Actor)

	for _, b := range books {
		h := e.history(t, ctx, b)
		require.Len(t, h, 2)
		del := h[1]
		assert.Equal(t, revy.ActionDelete, del.Action)
		assert.True(t, del.Actor.IsZero(), "cascaded deletes have no actor")
		assert.Equal(t, "rights expired", del.Description)
		assert.Equal(t, lazy.Revision().ID, del.RevisionID)

		err := e.h.Fetch(ctx, &Book{}, b.ID)
		assert.ErrorIs(t, err, revy.ErrNotFound)
	}
	assert.ErrorIs(t, e.h.Fetch(ctx, &Author{}, author.ID), revy.ErrNotFound)
}

func TestDelete_SetNullAndSetDefault(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	ctx := as(t, alice)
	_, books := seedLibrary(t, ctx, e.h, 1)
	book := books[0]

	review := &Review{}
	require.NoError(t, e.h.Construct(ctx, review, revy.Values{"book_id": book.ID, "stars": 5}))
	require.NoError(t, e.h.Save(ctx, review))
	loan := &Loan{}
	require.NoError(t, e.h.Construct(ctx, loan, revy.Values{"book_id": book.ID}))
	require.NoError(t, e.h.Save(ctx, loan))
	require.NotEmpty(t, loan.ID, "string keys are generated")

	delCtx, exit := revy.Enter(ctx, revy.WithDeletionDescription("withdrawn"))
	defer exit()
	require.NoError(t, e.h.Delete(delCtx, book))

	gotReview := &Review{}
	require.NoError(t, e.h.Fetch(ctx, gotReview, review.ID))
	assert.Nil(t, gotReview.BookID)
	assert.Equal(t, 5, gotReview.Stars)

	gotLoan := &Loan{}
	require.NoError(t, e.h.Fetch(ctx, gotLoan, loan.ID))
	assert.Equal(t, int64(-1), gotLoan.BookID)

	rh := e.history(t, ctx, review)
	require.Len(t, rh, 2)
	assert.Equal(t, revy.ActionUpdate, rh[1].Action)
	assert.True(t, rh[1].Actor.IsZero())
	ads := e.attributeDeltas(t, ctx, rh[1])
	require.Len(t, ads, 1)
	assert.Equal(t, revy.ActionUnset, ads["book_id"].Action)
	assert.Nil(t, ads["book_id"].NewValue)
	assert.Equal(t, "withdrawn", ads["book_id"].Description)

	lh := e.history(t, ctx, loan)
	require.Len(t, lh, 2)
	ads = e.attributeDeltas(t, ctx, lh[1])
	require.Len(t, ads, 1)
	assert.Equal(t, revy.ActionSet, ads["book_id"].Action)
}

func TestDelete_DisabledUsesBulkOperations(t *testing.T) {
	t.Parallel()

	e := newEnv(t, revy.Config{})
	ctx, exit := revy.Enter(context.Background(), revy.AsDisabled())
	defer exit()
	author, books := seedLibrary(t, ctx, e.h, 3)

	review := &Review{}
	require.NoError(t, e.h.Construct(ctx, review, revy.Values{"book_id": books[0].ID}))
	require.NoError(t, e.h.Save(ctx, review))

	require.NoError(t, e.h.Delete(ctx, author))
	for _, b := range books {
		assert.ErrorIs(t, e.h.Fetch(ctx, &Book{}, b.ID), revy.ErrNotFound)
	}
	got := &Review{}
	require.NoError(t, e.h.Fetch(ctx, got, review.ID))
	assert.Nil(t, got.BookID, "set null reaches rows of cascaded dependents")

	ods, ads := e.count(t, revy.Filter{})
	assert.Zero(t, ods)
	assert.Zero(t, ads)
}

func TestDelete_DoNothingLeavesReferences(t *testing.T) {
	t.Parallel()

	type Tag struct {
		revy.Tracking
		ID     int64 `revy:"id,pk"`
		BookID int64 `revy:"book_id,ref=books,ondelete=donothing"`
	}
	e := newEnv(t, revy.Config{}, &Author{}, &Book{}, &Tag{})
	ctx := as(t, alice)
	_, books := seedLibrary(t, ctx, e.h, 1)

	tag := &Tag{}
	require.NoError(t, e.h.Construct(ctx, tag, revy.Values{"book_id": books[0].ID}))
	require.NoError(t, e.h.Save(ctx, tag))
	require.NoError(t, e.h.Delete(ctx, books[0]))

	got := &Tag{}
	require.NoError(t, e.h.Fetch(ctx, got, tag.ID))
	assert.Equal(t, books[0].ID, got.BookID)
	assert.Len(t, e.history(t, ctx, tag), 1)
}
