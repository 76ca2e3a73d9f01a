package order

import (
	"fmt"
	"sync"
)

// Store holds all orders in an append-only, index-addressed sequence.
// Count always equals the next index Append will assign.
type Store interface {
	Append(o Order) (uint64, error)
	Get(index uint64) (Order, error)
	Count() uint64
	// Update applies fn to a copy of the order and commits the copy only
	// when fn returns nil.
	Update(index uint64, fn func(*Order) error) error
}

// MemStore is the in-memory Store. Persistent stores wrap it as their cache.
type MemStore struct {
	mu     sync.RWMutex
	orders []Order
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(o Order) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.Index = uint64(len(s.orders))
	s.orders = append(s.orders, o.Clone())
	return o.Index, nil
}

func (s *MemStore) Get(index uint64) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.orders)) {
		return Order{}, fmt.Errorf("get %d (count %d): %w", index, len(s.orders), ErrIndexOutOfRange)
	}
	return s.orders[index].Clone(), nil
}

func (s *MemStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.orders))
}

func (s *MemStore) Update(index uint64, fn func(*Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(len(s.orders)) {
		return fmt.Errorf("update %d (count %d): %w", index, len(s.orders), ErrIndexOutOfRange)
	}

	next := s.orders[index].Clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.Index = index // identity is immutable
	s.orders[index] = next
	return nil
}

// Load replaces the contents with previously persisted orders.
// Orders must be dense and sorted by index.
func (s *MemStore) Load(orders []Order) error {
	for i, o := range orders {
		if o.Index != uint64(i) {
			return fmt.Errorf("order sequence gap: position %d holds index %d", i, o.Index)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make([]Order, len(orders))
	for i, o := range orders {
		s.orders[i] = o.Clone()
	}
	return nil
}

var _ Store = (*MemStore)(nil)
