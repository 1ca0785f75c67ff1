package approval

import (
	"context"

	"github.com/shepherd-ops/shepherd/internal/audit"
)

// Store persists records of one kind.
type Store[T Entity] interface {
	Get(ctx context.Context, id int64) (T, error)
	List(ctx context.Context, filter ListFilter) ([]T, error)
	WithTx(ctx context.Context, fn func(context.Context, Tx[T]) error) error
}

// Tx is the transactional view of a Store. Audit rows appended through it
// commit together with the state change.
type Tx[T Entity] interface {
	audit.Appender
	// Lock loads the record and holds its row lock until the transaction ends.
	Lock(ctx context.Context, id int64) (T, error)
	Insert(ctx context.Context, entity T) (T, error)
	// Update writes payload fields only; approval columns change through
	// Transition.
	Update(ctx context.Context, entity T) error
	Delete(ctx context.Context, id int64) error
	// Transition moves id to next when its status is one of from.
	Transition(ctx context.Context, id int64, from []Status, next State) (bool, error)
	// BulkTransition moves every id whose status is one of from to next in a
	// single conditional update and returns the rows it changed.
	BulkTransition(ctx context.Context, ids []int64, from []Status, next State) ([]Transitioned, error)
}
