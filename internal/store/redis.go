package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/flashpool/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or LevelDB) with a Redis
// read-through cache. Atomic units go to the primary store and, after
// commit, overwrite the cached pool and positions they wrote. Reads check
// Redis first, then fall back to the primary and fill the cache only when
// the key is absent, so a read that raced a commit cannot replace the
// committed value with the state it saw before.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then refresh cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.fill(ctx, poolKey(p.ID), p)
	return nil
}

func (s *CachedStore) Update(ctx context.Context, poolID string, fn TxFunc) error {
	return s.run(ctx, poolID, fn, s.primary.Update)
}

func (s *CachedStore) TryUpdate(ctx context.Context, poolID string, fn TxFunc) error {
	return s.run(ctx, poolID, fn, s.primary.TryUpdate)
}

func (s *CachedStore) run(ctx context.Context, poolID string, fn TxFunc,
	update func(context.Context, string, TxFunc) error) error {
	var written *trackingTx
	err := update(ctx, poolID, func(tx Tx) error {
		tt := &trackingTx{Tx: tx, positions: make(map[string]model.Position)}
		written = tt
		return fn(tt)
	})
	if err != nil {
		// Nothing committed; cached values are still current.
		return err
	}
	s.refresh(ctx, poolID, written)
	return nil
}

// refresh stores what a committed unit wrote. If Redis rejects the
// pipeline the keys are deleted instead, leaving reads to the primary.
func (s *CachedStore) refresh(ctx context.Context, poolID string, tt *trackingTx) {
	if tt == nil || (tt.pool == nil && len(tt.positions) == 0) {
		return
	}

	var keys []string
	pipe := s.rdb.Pipeline()
	if tt.pool != nil {
		keys = append(keys, poolKey(poolID))
		if data, err := json.Marshal(tt.pool); err == nil {
			pipe.Set(ctx, poolKey(poolID), data, s.ttl)
		}
	}
	for owner, pos := range tt.positions {
		keys = append(keys, cachedPositionKey(poolID, owner))
		if data, err := json.Marshal(pos); err == nil {
			pipe.Set(ctx, cachedPositionKey(poolID, owner), data, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.Del(ctx, keys...)
	}
}

// trackingTx records the last pool and positions a unit saved.
type trackingTx struct {
	Tx
	pool      *model.Pool
	positions map[string]model.Position
}

func (t *trackingTx) SavePool(ctx context.Context, p *model.Pool) error {
	if err := t.Tx.SavePool(ctx, p); err != nil {
		return err
	}
	cp := *p
	t.pool = &cp
	return nil
}

func (t *trackingTx) SavePosition(ctx context.Context, pos *model.Position) error {
	if err := t.Tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	t.positions[pos.Owner] = *pos
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	s.fill(ctx, poolKey(id), p)
	return p, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, poolID, owner string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, cachedPositionKey(poolID, owner)).Bytes()
	if err == nil {
		var pos model.Position
		if json.Unmarshal(data, &pos) == nil {
			return &pos, nil
		}
	}

	pos, err := s.primary.GetPosition(ctx, poolID, owner)
	if err != nil {
		return nil, err
	}

	s.fill(ctx, cachedPositionKey(poolID, owner), pos)
	return pos, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, poolID)
}

func (s *CachedStore) ListLoans(ctx context.Context, poolID string) ([]model.LoanRecord, error) {
	return s.primary.ListLoans(ctx, poolID)
}

// --- Cache helpers ---

// fill caches a value read from the primary unless the key already holds
// one written by a commit.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

func poolKey(id string) string                     { return fmt.Sprintf("pool:%s", id) }
func cachedPositionKey(poolID, owner string) string { return fmt.Sprintf("position:%s:%s", poolID, owner) }
