package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/flashpool/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.Pool
	positions map[string]map[string]*model.Position // pool → owner → position
	loans     []model.LoanRecord
	slots     *slots
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]*model.Pool),
		positions: make(map[string]map[string]*model.Position),
		slots:     newSlots(),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrExists)
	}

	// Store a copy to avoid external mutation.
	s.pools[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.After(pools[j].CreatedAt) })
	return pools, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, poolID, owner string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos, ok := s.positions[poolID][owner]; ok {
		c := *pos
		return &c, nil
	}
	return emptyPosition(poolID, owner), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, poolID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, pos := range s.positions[poolID] {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Owner < result[j].Owner })
	return result, nil
}

func (s *MemoryStore) ListLoans(_ context.Context, poolID string) ([]model.LoanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LoanRecord
	for _, l := range s.loans {
		if l.PoolID == poolID {
			result = append(result, l)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, true, fn)
}

func (s *MemoryStore) TryUpdate(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, false, fn)
}

func (s *MemoryStore) update(ctx context.Context, poolID string, wait bool, fn TxFunc) error {
	release, err := s.slots.acquire(ctx, poolID, wait)
	if err != nil {
		return err
	}
	defer release()

	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return err
	}

	tx := &memTx{
		store:     s,
		pool:      pool,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes until commit; dropping it is the rollback.
type memTx struct {
	store     *MemoryStore
	pool      *model.Pool
	positions map[string]*model.Position
	loans     []model.LoanRecord
}

func (tx *memTx) Pool(_ context.Context) (*model.Pool, error) {
	return tx.pool.Clone(), nil
}

func (tx *memTx) SavePool(_ context.Context, p *model.Pool) error {
	if p.ID != tx.pool.ID {
		return fmt.Errorf("save pool %s in transaction for %s", p.ID, tx.pool.ID)
	}
	tx.pool = p.Clone()
	return nil
}

func (tx *memTx) Position(ctx context.Context, owner string) (*model.Position, error) {
	if pos, ok := tx.positions[owner]; ok {
		c := *pos
		return &c, nil
	}
	return tx.store.GetPosition(ctx, tx.pool.ID, owner)
}

func (tx *memTx) SavePosition(_ context.Context, pos *model.Position) error {
	if pos.PoolID != tx.pool.ID {
		return fmt.Errorf("save position for pool %s in transaction for %s", pos.PoolID, tx.pool.ID)
	}
	c := *pos
	tx.positions[pos.Owner] = &c
	return nil
}

func (tx *memTx) InsertLoan(_ context.Context, rec *model.LoanRecord) error {
	tx.loans = append(tx.loans, *rec)
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[tx.pool.ID] = tx.pool
	if len(tx.positions) > 0 && s.positions[tx.pool.ID] == nil {
		s.positions[tx.pool.ID] = make(map[string]*model.Position)
	}
	for owner, pos := range tx.positions {
		s.positions[tx.pool.ID][owner] = pos
	}
	s.loans = append(s.loans, tx.loans...)
}
