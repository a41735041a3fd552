package revy

import (
	"context"
)

// Store is the transactional persistence collaborator. Implementations live
// in badgerstore and sqlstore.
type Store interface {
	// Atomic runs fn in a transaction. A call made with a context that
	// already carries a transaction of this store joins it.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Reader returns a read-only view for queries outside Atomic.
	Reader(ctx context.Context) (Reader, func(), error)
}

// Reader answers audit and entity queries.
type Reader interface {
	// LoadModel returns the stored columns of the row with key pk, or
	// ErrNotFound.
	LoadModel(ctx context.Context, t *Type, pk any) (Values, error)
	// Related returns up to limit rows of t whose field equals value, with
	// a primary key greater than after (nil for the first chunk), ordered
	// by primary key.
	Related(ctx context.Context, t *Type, field *Field, value any, after any, limit int) ([]Values, error)

	Revision(ctx context.Context, id int64) (*Revision, error)
	ObjectDelta(ctx context.Context, id int64) (*ObjectDelta, error)
	// ObjectDeltas and AttributeDeltas return matching rows in id order.
	ObjectDeltas(ctx context.Context, f Filter) ([]*ObjectDelta, error)
	AttributeDeltas(ctx context.Context, f Filter) ([]*AttributeDelta, error)
	// Snapshots reconstructs t as of each given object delta, keyed by
	// object delta id.
	Snapshots(ctx context.Context, t *Type, ods []*ObjectDelta) (map[int64]Values, error)
}

// Tx is a store transaction. Insert methods assign ids and timestamps to
// the rows they are given.
type Tx interface {
	Reader

	// SaveModel inserts or updates the row. When the primary key is unset
	// it is generated and returned.
	SaveModel(ctx context.Context, t *Type, vs Values) (pk any, err error)
	DeleteModel(ctx context.Context, t *Type, pk any) error
	// UpdateWhere sets field to value on every row whose field equals match
	// and returns the number of rows changed.
	UpdateWhere(ctx context.Context, t *Type, field *Field, match, value any) (int64, error)
	// DeleteWhere deletes every row whose field equals match and returns
	// the number of rows deleted.
	DeleteWhere(ctx context.Context, t *Type, field *Field, match any) (int64, error)

	InsertRevision(ctx context.Context, rev *Revision) error
	InsertObjectDelta(ctx context.Context, od *ObjectDelta) error
	InsertAttributeDelta(ctx context.Context, ad *AttributeDelta) error
}
