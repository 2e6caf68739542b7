// Package store defines the persistence interface for the flash pool ledger.
// Implementations include PostgreSQL (source of truth), LevelDB (embedded,
// single node), Redis (read-through cache layer), and in-memory (for testing).
//
// Every mutation of a pool goes through Update or TryUpdate, which run a
// function against a transaction holding that pool's ledger slot. Writes made
// through the Tx are all committed when the function returns nil and all
// discarded otherwise.
package store

import (
	"context"
	"errors"

	"github.com/atmx/flashpool/internal/model"
)

var (
	// ErrNotFound is returned when a pool record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned when creating a pool whose address is taken.
	ErrExists = errors.New("store: already exists")

	// ErrLocked is returned by TryUpdate when another transaction holds
	// the pool's ledger slot.
	ErrLocked = errors.New("store: pool slot held by another transaction")
)

// TxFunc is the body of an atomic unit.
type TxFunc func(tx Tx) error

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool records ---

	// CreatePool persists a new pool. Returns ErrExists if the ID is taken.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by its address.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Depositor positions ---

	// GetPosition returns a depositor's position. Absent positions are
	// returned as zero-share positions, not errors.
	GetPosition(ctx context.Context, poolID, owner string) (*model.Position, error)

	// ListPositions returns all positions in a pool.
	ListPositions(ctx context.Context, poolID string) ([]model.Position, error)

	// --- Settled loan history ---

	// ListLoans returns the settled loans of a pool, oldest first.
	ListLoans(ctx context.Context, poolID string) ([]model.LoanRecord, error)

	// --- Atomic units ---

	// Update runs fn holding the pool's ledger slot, waiting for it if
	// another transaction holds it.
	Update(ctx context.Context, poolID string, fn TxFunc) error

	// TryUpdate is Update without waiting: it returns ErrLocked at once
	// if the slot is held.
	TryUpdate(ctx context.Context, poolID string, fn TxFunc) error
}

// Tx is the view of one pool inside an atomic unit. Reads observe the
// unit's own staged writes.
type Tx interface {
	// Pool returns a copy of the locked pool record.
	Pool(ctx context.Context) (*model.Pool, error)

	// SavePool stages the pool record.
	SavePool(ctx context.Context, pool *model.Pool) error

	// Position returns the owner's position in the locked pool, or a
	// zero-share position if none exists.
	Position(ctx context.Context, owner string) (*model.Position, error)

	// SavePosition stages a position in the locked pool.
	SavePosition(ctx context.Context, pos *model.Position) error

	// InsertLoan stages an immutable settled-loan record.
	InsertLoan(ctx context.Context, rec *model.LoanRecord) error
}

// emptyPosition is the zero-share position returned for unknown owners.
func emptyPosition(poolID, owner string) *model.Position {
	return &model.Position{PoolID: poolID, Owner: owner}
}
