package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/atmx/flashpool/internal/model"
)

// Key layout:
//
//	pool/<poolID>                      → model.Pool
//	pos/<poolID>/<owner>               → model.Position
//	loan/<poolID>/<unixnano:020d>/<id> → model.LoanRecord
const (
	poolPrefix = "pool/"
	posPrefix  = "pos/"
	loanPrefix = "loan/"
)

// LevelStore implements Store on an embedded LevelDB database for single
// node deployments. Records are JSON encoded; an atomic unit stages its
// writes in a leveldb.Batch that is written in one call on commit.
type LevelStore struct {
	db    *leveldb.DB
	slots *slots
}

// OpenLevelStore creates or opens a LevelDB ledger at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db, slots: newSlots()}, nil
}

// Close closes the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) CreatePool(ctx context.Context, p *model.Pool) error {
	release, err := s.slots.acquire(ctx, p.ID, true)
	if err != nil {
		return err
	}
	defer release()

	key := []byte(poolPrefix + p.ID)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("pool %s: %w", p.ID, ErrExists)
	}
	return s.put(key, p)
}

func (s *LevelStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	if err := s.get([]byte(poolPrefix+id), &p); err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return &p, nil
}

func (s *LevelStore) ListPools(_ context.Context) ([]model.Pool, error) {
	var pools []model.Pool
	err := s.scan(poolPrefix, func(v []byte) error {
		var p model.Pool
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		pools = append(pools, p)
		return nil
	})
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.After(pools[j].CreatedAt) })
	return pools, err
}

func (s *LevelStore) GetPosition(_ context.Context, poolID, owner string) (*model.Position, error) {
	var pos model.Position
	if err := s.get(positionKey(poolID, owner), &pos); err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return emptyPosition(poolID, owner), nil
		}
		return nil, fmt.Errorf("get position %s/%s: %w", poolID, owner, err)
	}
	return &pos, nil
}

func (s *LevelStore) ListPositions(_ context.Context, poolID string) ([]model.Position, error) {
	var positions []model.Position
	err := s.scan(posPrefix+poolID+"/", func(v []byte) error {
		var pos model.Position
		if err := json.Unmarshal(v, &pos); err != nil {
			return err
		}
		positions = append(positions, pos)
		return nil
	})
	return positions, err
}

func (s *LevelStore) ListLoans(_ context.Context, poolID string) ([]model.LoanRecord, error) {
	var loans []model.LoanRecord
	err := s.scan(loanPrefix+poolID+"/", func(v []byte) error {
		var l model.LoanRecord
		if err := json.Unmarshal(v, &l); err != nil {
			return err
		}
		loans = append(loans, l)
		return nil
	})
	return loans, err
}

func (s *LevelStore) Update(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, true, fn)
}

func (s *LevelStore) TryUpdate(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, false, fn)
}

func (s *LevelStore) update(ctx context.Context, poolID string, wait bool, fn TxFunc) error {
	release, err := s.slots.acquire(ctx, poolID, wait)
	if err != nil {
		return err
	}
	defer release()

	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return err
	}

	tx := &levelTx{
		store:     s,
		pool:      pool,
		positions: make(map[string]*model.Position),
		batch:     new(leveldb.Batch),
	}
	if err := fn(tx); err != nil {
		return err
	}

	data, err := json.Marshal(tx.pool)
	if err != nil {
		return err
	}
	tx.batch.Put([]byte(poolPrefix+poolID), data)
	if err := s.db.Write(tx.batch, nil); err != nil {
		return fmt.Errorf("commit pool %s: %w", poolID, err)
	}
	return nil
}

func (s *LevelStore) get(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *LevelStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, data, nil)
}

func (s *LevelStore) scan(prefix string, fn func(v []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// levelTx buffers positions for read-your-writes and collects every write
// in one batch. Discarding the batch is the rollback.
type levelTx struct {
	store     *LevelStore
	pool      *model.Pool
	positions map[string]*model.Position
	batch     *leveldb.Batch
}

func (tx *levelTx) Pool(_ context.Context) (*model.Pool, error) {
	return tx.pool.Clone(), nil
}

func (tx *levelTx) SavePool(_ context.Context, p *model.Pool) error {
	if p.ID != tx.pool.ID {
		return fmt.Errorf("save pool %s in transaction for %s", p.ID, tx.pool.ID)
	}
	// Written once at commit so only the final state lands in the batch.
	tx.pool = p.Clone()
	return nil
}

func (tx *levelTx) Position(ctx context.Context, owner string) (*model.Position, error) {
	if pos, ok := tx.positions[owner]; ok {
		c := *pos
		return &c, nil
	}
	return tx.store.GetPosition(ctx, tx.pool.ID, owner)
}

func (tx *levelTx) SavePosition(_ context.Context, pos *model.Position) error {
	if pos.PoolID != tx.pool.ID {
		return fmt.Errorf("save position for pool %s in transaction for %s", pos.PoolID, tx.pool.ID)
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	c := *pos
	tx.positions[pos.Owner] = &c
	tx.batch.Put(positionKey(pos.PoolID, pos.Owner), data)
	return nil
}

func (tx *levelTx) InsertLoan(_ context.Context, l *model.LoanRecord) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	tx.batch.Put(loanKey(l), data)
	return nil
}

func positionKey(poolID, owner string) []byte {
	return []byte(posPrefix + poolID + "/" + owner)
}

func loanKey(l *model.LoanRecord) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", loanPrefix, l.PoolID, l.Timestamp.UnixNano(), l.ID))
}
