package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/pkg/address"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// key prefixes, one byte each, followed by the raw 32-byte address
var (
	prefixLedger  = []byte{'L'}
	prefixVault   = []byte{'V'}
	prefixAccount = []byte{'A'}
)

// LevelDBStore persists rounds in a goleveldb database. Writes for one
// operation are collected in a leveldb.Batch and applied with a single synced
// write; the mutex keeps read-modify-write cycles exclusive.
type LevelDBStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *zap.Logger
}

// NewLevelDBStore opens (or creates) the database directory at path.
func NewLevelDBStore(path string, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db, logger: logger}, nil
}

func dbKey(prefix []byte, addr address.Address) []byte {
	k := make([]byte, 0, len(prefix)+len(addr))
	k = append(k, prefix...)
	return append(k, addr[:]...)
}

var syncWrite = &opt.WriteOptions{Sync: true}

// CreateRound implements Store.
func (s *LevelDBStore) CreateRound(_ context.Context, l *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vault := l.Vault()
	for _, a := range []address.Address{l.Address, vault} {
		taken, err := s.existsLocked(a)
		if err != nil {
			return err
		}
		if taken {
			return model.ErrReinitialization
		}
	}

	state, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(dbKey(prefixLedger, l.Address), state)
	batch.Put(dbKey(prefixVault, vault), l.Address.Bytes())
	batch.Put(dbKey(prefixAccount, vault), encodeBalance(0))
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("write round: %w", err)
	}

	s.logger.Debug("round stored",
		zap.String("ledger", l.Address.String()),
		zap.String("vault", vault.String()),
	)
	return nil
}

// GetLedger implements Store.
func (s *LevelDBStore) GetLedger(_ context.Context, addr address.Address) (*model.Ledger, error) {
	return s.getLedger(addr)
}

func (s *LevelDBStore) getLedger(addr address.Address) (*model.Ledger, error) {
	state, err := s.db.Get(dbKey(prefixLedger, addr), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger %s: %w", addr, err)
	}
	return decodeLedger(state)
}

// ListLedgers implements Store.
func (s *LevelDBStore) ListLedgers(_ context.Context, limit, offset int) ([]*model.Ledger, error) {
	limit, offset = clampLimit(limit, offset)

	iter := s.db.NewIterator(ldb_util.BytesPrefix(prefixLedger), nil)
	defer iter.Release()

	all := []*model.Ledger{}
	for iter.Next() {
		l, err := decodeLedger(iter.Value())
		if err != nil {
			return nil, err
		}
		all = append(all, l)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate ledgers: %w", err)
	}

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
func (s *LevelDBStore) GetVault(_ context.Context, ledgerAddr address.Address) (*model.Vault, error) {
	l, err := s.getLedger(ledgerAddr)
	if err != nil {
		return nil, err
	}
	vault := l.Vault()
	bal, err := s.readBalance(vault)
	if err != nil {
		return nil, err
	}
	return &model.Vault{Address: vault, Ledger: ledgerAddr, Balance: bal}, nil
}

// VaultOwner implements Store.
func (s *LevelDBStore) VaultOwner(_ context.Context, vault address.Address) (address.Address, error) {
	raw, err := s.db.Get(dbKey(prefixVault, vault), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return address.Zero, model.ErrNotFound
		}
		return address.Zero, fmt.Errorf("get vault owner %s: %w", vault, err)
	}
	var owner address.Address
	if len(raw) != address.Size {
		return address.Zero, fmt.Errorf("get vault owner %s: corrupt value of %d bytes", vault, len(raw))
	}
	copy(owner[:], raw)
	return owner, nil
}

// Balance implements Store.
func (s *LevelDBStore) Balance(_ context.Context, addr address.Address) (uint64, error) {
	return s.readBalance(addr)
}

// Credit implements Store.
func (s *LevelDBStore) Credit(_ context.Context, addr address.Address, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range [][]byte{prefixLedger, prefixVault} {
		reserved, err := s.db.Has(dbKey(p, addr), nil)
		if err != nil {
			return 0, fmt.Errorf("check address %s: %w", addr, err)
		}
		if reserved {
			return 0, model.ErrReservedAddress
		}
	}

	bal, err := s.readBalance(addr)
	if err != nil {
		return 0, err
	}
	bal = model.SaturatingAdd(bal, amount)
	if err := s.db.Put(dbKey(prefixAccount, addr), encodeBalance(bal), syncWrite); err != nil {
		return 0, fmt.Errorf("credit %s: %w", addr, err)
	}
	return bal, nil
}

// Exists implements Store.
func (s *LevelDBStore) Exists(_ context.Context, addr address.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(addr)
}

func (s *LevelDBStore) existsLocked(addr address.Address) (bool, error) {
	for _, p := range [][]byte{prefixLedger, prefixVault, prefixAccount} {
		ok, err := s.db.Has(dbKey(p, addr), nil)
		if err != nil {
			return false, fmt.Errorf("check address %s: %w", addr, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Update implements Store.
func (s *LevelDBStore) Update(_ context.Context, ledgerAddr address.Address, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.getLedger(ledgerAddr)
	if err != nil {
		return err
	}

	tx := &stagedTx{ledger: l, balances: newStagedBalances(s.readBalance)}
	if err := fn(tx); err != nil {
		return err
	}

	state, err := json.Marshal(tx.ledger)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(dbKey(prefixLedger, ledgerAddr), state)
	for a, v := range tx.balances.staged {
		batch.Put(dbKey(prefixAccount, a), encodeBalance(v))
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("write ledger %s: %w", ledgerAddr, err)
	}
	return nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) readBalance(addr address.Address) (uint64, error) {
	raw, err := s.db.Get(dbKey(prefixAccount, addr), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance %s: %w", addr, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("read balance %s: corrupt value of %d bytes", addr, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func encodeBalance(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
