package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
)

// PebbleStore is a write-through order store: reads are served from an
// in-memory cache, every mutation is synced to Pebble before it is visible.
type PebbleStore struct {
	db  *pebble.DB
	mem *order.MemStore

	mu sync.Mutex // serializes appends so the cache and disk agree on indexes
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db, mem: order.NewMemStore()}

	orders, err := s.loadOrders()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.mem.Load(orders); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restore orders: %w", err)
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Append(o order.Order) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.Index = s.mem.Count()
	data, err := json.Marshal(toRecord(o))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal order: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.Index), data, nil); err != nil {
		return 0, err
	}
	if err := batch.Set(keyOrderCount, encodeUint64(o.Index+1), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to save order: %w", err)
	}

	return s.mem.Append(o)
}

func (s *PebbleStore) Get(index uint64) (order.Order, error) {
	return s.mem.Get(index)
}

func (s *PebbleStore) Count() uint64 {
	return s.mem.Count()
}

// Update persists the modified order before the cache commits it
func (s *PebbleStore) Update(index uint64, fn func(*order.Order) error) error {
	return s.mem.Update(index, func(o *order.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		o.Index = index
		return s.saveOrder(*o)
	})
}

func (s *PebbleStore) saveOrder(o order.Order) error {
	data, err := json.Marshal(toRecord(o))
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.Index), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) loadOrders() ([]order.Order, error) {
	count, err := s.storedCount()
	if err != nil {
		return nil, err
	}

	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	orders := make([]order.Order, 0, count)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec orderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", iter.Key(), err)
		}
		o, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if uint64(len(orders)) != count {
		return nil, fmt.Errorf("order count mismatch: meta=%d stored=%d", count, len(orders))
	}
	return orders, nil
}

func (s *PebbleStore) storedCount() (uint64, error) {
	val, closer, err := s.db.Get(keyOrderCount)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get order count: %w", err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

// ============================================================================
// Balance Persistence Methods
// ============================================================================

// SaveBalances persists fee token balances in one batch
func (s *PebbleStore) SaveBalances(balances map[common.Address]*big.Int) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for addr, amount := range balances {
		if err := batch.Set(balanceKey(addr), []byte(bigString(amount)), nil); err != nil {
			return fmt.Errorf("failed to stage balance %s: %w", addr.Hex(), err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

// LoadBalances loads every persisted balance
func (s *PebbleStore) LoadBalances() (map[common.Address]*big.Int, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	balances := make(map[common.Address]*big.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		addr := common.HexToAddress(string(iter.Key()[len(prefix):]))
		amount, err := parseBig(string(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", addr.Hex(), err)
		}
		balances[addr] = amount
	}
	return balances, iter.Error()
}

var (
	_ order.Store         = (*PebbleStore)(nil)
	_ ledger.BalanceStore = (*PebbleStore)(nil)
)
