// Package repository persists funding rounds: ledgers, their bound vaults and
// the custody balances value is transferred between.
//
// Four Store implementations are provided:
//   - MemoryStore:   in-process, for tests and single-process deployments.
//   - PostgresStore: durable, row-locked transactions (pgx).
//   - SQLiteStore:   embedded single-file database (modernc.org/sqlite).
//   - LevelDBStore:  embedded key-value store with atomic batches (goleveldb).
//
// Every mutation of a ledger goes through Store.Update, which runs the caller's
// function against a working copy inside a transaction. If the function returns
// an error nothing is written: neither the ledger nor any balance moved by
// Tx.Transfer.
package repository

import (
	"context"
	"math"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/pkg/address"
)

// Store is the persistence interface consumed by the round service.
type Store interface {
	// CreateRound stores the ledger and its vault (zero balance) atomically.
	// Returns model.ErrReinitialization when the ledger or vault address already
	// holds a record.
	CreateRound(ctx context.Context, l *model.Ledger) error

	// GetLedger returns the ledger at addr or model.ErrNotFound.
	GetLedger(ctx context.Context, addr address.Address) (*model.Ledger, error)

	// ListLedgers returns ledgers ordered by creation time, newest first.
	ListLedgers(ctx context.Context, limit, offset int) ([]*model.Ledger, error)

	// GetVault returns the vault bound to the ledger at ledgerAddr.
	GetVault(ctx context.Context, ledgerAddr address.Address) (*model.Vault, error)

	// VaultOwner returns the ledger a vault address is bound to, or
	// model.ErrNotFound when addr is not a vault.
	VaultOwner(ctx context.Context, vault address.Address) (address.Address, error)

	// Balance returns the custody balance held at addr. Unknown addresses hold 0.
	Balance(ctx context.Context, addr address.Address) (uint64, error)

	// Credit adds amount to the custody balance at addr (saturating) and
	// returns the new balance. Ledger and vault addresses are rejected with
	// model.ErrReservedAddress, checked atomically with the write.
	Credit(ctx context.Context, addr address.Address, amount uint64) (uint64, error)

	// Exists reports whether addr is already used by a ledger, vault or account.
	Exists(ctx context.Context, addr address.Address) (bool, error)

	// Update loads the ledger at ledgerAddr with exclusive access and runs fn.
	// Changes made through tx are committed only if fn returns nil.
	Update(ctx context.Context, ledgerAddr address.Address, fn func(tx Tx) error) error

	// Close releases the underlying resources.
	Close() error
}

// Tx is the unit of work handed to Store.Update.
type Tx interface {
	// Ledger returns the working copy of the locked ledger. Mutations are
	// persisted on commit.
	Ledger() *model.Ledger

	// Transfer moves amount from one custody balance to another. It fails with
	// model.ErrInsufficientFunds, leaving both balances untouched, when the
	// source holds less than amount.
	Transfer(ctx context.Context, from, to address.Address, amount uint64) error
}

// stagedBalances is the overlay used by stores that cannot move balances inside
// a native transaction. Reads fall through to load; writes stay staged until
// the owner commits them.
type stagedBalances struct {
	load   func(addr address.Address) (uint64, error)
	staged map[address.Address]uint64
}

func newStagedBalances(load func(address.Address) (uint64, error)) *stagedBalances {
	return &stagedBalances{load: load, staged: make(map[address.Address]uint64)}
}

func (s *stagedBalances) get(addr address.Address) (uint64, error) {
	if v, ok := s.staged[addr]; ok {
		return v, nil
	}
	return s.load(addr)
}

func (s *stagedBalances) transfer(from, to address.Address, amount uint64) error {
	src, err := s.get(from)
	if err != nil {
		return err
	}
	if src < amount {
		return model.ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	dst, err := s.get(to)
	if err != nil {
		return err
	}
	s.staged[from] = src - amount
	s.staged[to] = model.SaturatingAdd(dst, amount)
	return nil
}

// stagedTx is the Tx used by MemoryStore and LevelDBStore.
type stagedTx struct {
	ledger   *model.Ledger
	balances *stagedBalances
}

func (t *stagedTx) Ledger() *model.Ledger { return t.ledger }

func (t *stagedTx) Transfer(_ context.Context, from, to address.Address, amount uint64) error {
	return t.balances.transfer(from, to, amount)
}

// maxBalance is the saturation point for every stored balance.
const maxBalance = uint64(math.MaxUint64)

// MaxPageSize is the largest page ListLedgers returns. Larger limits fall back
// to the default of 20.
const MaxPageSize = 100

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 || limit > MaxPageSize {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
