package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/pkg/address"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// A single mutex serialises all updates, so a round's ledger and balances are
// never observed half-applied.
type MemoryStore struct {
	mu       sync.RWMutex
	ledgers  map[address.Address]*model.Ledger
	vaults   map[address.Address]address.Address // vault -> ledger
	balances map[address.Address]uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:  make(map[address.Address]*model.Ledger),
		vaults:   make(map[address.Address]address.Address),
		balances: make(map[address.Address]uint64),
	}
}

// CreateRound implements Store.
func (s *MemoryStore) CreateRound(_ context.Context, l *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vault := l.Vault()
	if s.existsLocked(l.Address) || s.existsLocked(vault) {
		return model.ErrReinitialization
	}

	s.ledgers[l.Address] = l.Clone()
	s.vaults[vault] = l.Address
	s.balances[vault] = 0
	return nil
}

// GetLedger implements Store.
func (s *MemoryStore) GetLedger(_ context.Context, addr address.Address) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[addr]
	if !ok {
		return nil, model.ErrNotFound
	}
	return l.Clone(), nil
}

// ListLedgers implements Store.
func (s *MemoryStore) ListLedgers(_ context.Context, limit, offset int) ([]*model.Ledger, error) {
	limit, offset = clampLimit(limit, offset)

	s.mu.RLock()
	all := make([]*model.Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		all = append(all, l.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return bytes.Compare(all[i].Address[:], all[j].Address[:]) < 0
	})
	if offset >= len(all) {
		return []*model.Ledger{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// GetVault implements Store.
func (s *MemoryStore) GetVault(_ context.Context, ledgerAddr address.Address) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[ledgerAddr]
	if !ok {
		return nil, model.ErrNotFound
	}
	vault := l.Vault()
	return &model.Vault{Address: vault, Ledger: ledgerAddr, Balance: s.balances[vault]}, nil
}

// VaultOwner implements Store.
func (s *MemoryStore) VaultOwner(_ context.Context, vault address.Address) (address.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.vaults[vault]
	if !ok {
		return address.Zero, model.ErrNotFound
	}
	return owner, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, addr address.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[addr], nil
}

// Credit implements Store.
func (s *MemoryStore) Credit(_ context.Context, addr address.Address, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledgers[addr]; ok {
		return 0, model.ErrReservedAddress
	}
	if _, ok := s.vaults[addr]; ok {
		return 0, model.ErrReservedAddress
	}
	s.balances[addr] = model.SaturatingAdd(s.balances[addr], amount)
	return s.balances[addr], nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, addr address.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsLocked(addr), nil
}

func (s *MemoryStore) existsLocked(addr address.Address) bool {
	if _, ok := s.ledgers[addr]; ok {
		return true
	}
	if _, ok := s.vaults[addr]; ok {
		return true
	}
	_, ok := s.balances[addr]
	return ok
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, ledgerAddr address.Address, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.ledgers[ledgerAddr]
	if !ok {
		return model.ErrNotFound
	}

	tx := &stagedTx{
		ledger: l.Clone(),
		balances: newStagedBalances(func(a address.Address) (uint64, error) {
			return s.balances[a], nil
		}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.ledgers[ledgerAddr] = tx.ledger
	for a, v := range tx.balances.staged {
		s.balances[a] = v
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
