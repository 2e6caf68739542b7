package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/flashpool/internal/model"
)

// An unreachable cache must not change results: every read falls back to
// the primary store.
func TestCachedStore_RedisDown(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		rdb := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		})
		t.Cleanup(func() { rdb.Close() })
		return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	})
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("FLASHPOOL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLASHPOOL_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewCachedStore(NewMemoryStore(), newRedisClient(t), time.Minute)
	})
}

func cachedPool(t *testing.T, rdb *redis.Client, id string) *model.Pool {
	t.Helper()
	data, err := rdb.Get(context.Background(), poolKey(id)).Bytes()
	if err != nil {
		t.Fatalf("cached pool %s: %v", id, err)
	}
	var p model.Pool
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode cached pool: %v", err)
	}
	return &p
}

func TestCachedStore_RefreshesOnCommit(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	s.CreatePool(ctx, testPool("p1"))
	if _, err := s.GetPool(ctx, "p1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	err := s.Update(ctx, "p1", func(tx Tx) error {
		p, _ := tx.Pool(ctx)
		p.TotalLiquidity = d("7")
		if err := tx.SavePool(ctx, p); err != nil {
			return err
		}
		return tx.SavePosition(ctx, &model.Position{PoolID: "p1", Owner: "alice", Shares: d("7"), UpdatedAt: p.UpdatedAt})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if got := cachedPool(t, rdb, "p1"); !got.TotalLiquidity.Equal(d("7")) {
		t.Errorf("cached liquidity = %s, want 7", got.TotalLiquidity)
	}
	if n := rdb.Exists(ctx, cachedPositionKey("p1", "alice")).Val(); n != 1 {
		t.Errorf("position not cached after commit")
	}
	pos, _ := s.GetPosition(ctx, "p1", "alice")
	if !pos.Shares.Equal(d("7")) {
		t.Errorf("shares = %s, want 7", pos.Shares)
	}
}

// A read that loaded the pool before a commit and fills the cache after it
// must not replace the committed value.
func TestCachedStore_LateFillKeepsCommitted(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	s.CreatePool(ctx, testPool("p1"))
	rdb.Del(ctx, poolKey("p1"))
	stale, _ := s.primary.GetPool(ctx, "p1")

	s.Update(ctx, "p1", func(tx Tx) error {
		p, _ := tx.Pool(ctx)
		p.TotalLiquidity = d("7")
		return tx.SavePool(ctx, p)
	})
	s.fill(ctx, poolKey("p1"), stale)

	got, _ := s.GetPool(ctx, "p1")
	if !got.TotalLiquidity.Equal(d("7")) {
		t.Errorf("liquidity = %s, want 7", got.TotalLiquidity)
	}
}

func TestCachedStore_KeepsCacheOnRollback(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	s.CreatePool(ctx, testPool("p1"))
	s.GetPool(ctx, "p1")

	s.Update(ctx, "p1", func(tx Tx) error {
		p, _ := tx.Pool(ctx)
		p.TotalLiquidity = d("7")
		tx.SavePool(ctx, p)
		return errAbort
	})

	if n := rdb.Exists(ctx, poolKey("p1")).Val(); n != 1 {
		t.Errorf("rollback evicted the cached pool")
	}
	got, _ := s.GetPool(ctx, "p1")
	if !got.TotalLiquidity.IsZero() {
		t.Errorf("liquidity = %s, want 0", got.TotalLiquidity)
	}
}
