package paymaster

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Entry is one identity's balance.
type Entry struct {
	ID      common.Address
	Balance *uint256.Int
}

// Store persists ledger balances. Write applies all entries atomically;
// Get of an unknown identity returns zero.
type Store interface {
	Get(id common.Address) (*uint256.Int, error)
	Write(entries ...Entry) error
	Iterate(fn func(Entry) bool) error
	Close() error
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[common.Address]*uint256.Int)}
}

func (s *MemoryStore) Get(id common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.balances[id]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (s *MemoryStore) Write(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.balances[e.ID] = e.Balance.Clone()
	}
	return nil
}

// Iterate visits entries in ascending address order until fn returns false.
func (s *MemoryStore) Iterate(fn func(Entry) bool) error {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.balances))
	for id, v := range s.balances {
		entries = append(entries, Entry{ID: id, Balance: v.Clone()})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
