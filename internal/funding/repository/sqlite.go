package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const sqliteBusyTimeoutMs = 5000

// SQLiteStore persists rounds to a single SQLite file. The pool is limited to one
// connection so every transaction is the only writer.
type SQLiteStore struct {
	db     *sql.DB
	file   string
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "fundround.db"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(absPath)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, file: absPath, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledgers (
			address    TEXT PRIMARY KEY,
			authority  TEXT NOT NULL,
			vault      TEXT NOT NULL UNIQUE,
			expires_at INTEGER NOT NULL,
			state      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vaults (
			address TEXT PRIMARY KEY,
			ledger  TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			balance TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	return nil
}

// CreateRound implements Store.
func (s *SQLiteStore) CreateRound(ctx context.Context, l *model.Ledger) error {
	state, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	vault := l.Vault()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range []address.Address{l.Address, vault} {
		taken, err := sqliteExists(ctx, tx, a)
		if err != nil {
			return err
		}
		if taken {
			return model.ErrReinitialization
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledgers (address, authority, vault, expires_at, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.Address.String(), l.Authority.String(), vault.String(),
		l.ExpiresAt.Unix(), string(state), l.CreatedAt.UnixNano(), l.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vaults (address, ledger) VALUES (?, ?)`, vault.String(), l.Address.String(),
	); err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (address, balance) VALUES (?, '0')`, vault.String(),
	); err != nil {
		return fmt.Errorf("insert vault account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit round: %w", err)
	}

	s.logger.Debug("round stored",
		zap.String("ledger", l.Address.String()),
		zap.String("vault", vault.String()),
		zap.String("file", s.file),
	)
	return nil
}

// GetLedger implements Store.
func (s *SQLiteStore) GetLedger(ctx context.Context, addr address.Address) (*model.Ledger, error) {
	var state string
	if err := s.db.QueryRowContext(ctx,
		`SELECT state FROM ledgers WHERE address = ?`, addr.String(),
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger %s: %w", addr, err)
	}
	return decodeLedger([]byte(state))
}

// ListLedgers implements Store.
func (s *SQLiteStore) ListLedgers(ctx context.Context, limit, offset int) ([]*model.Ledger, error) {
	limit, offset = clampLimit(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM ledgers ORDER BY created_at DESC, address LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	out := []*model.Ledger{}
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		l, err := decodeLedger([]byte(state))
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetVault implements Store.
func (s *SQLiteStore) GetVault(ctx context.Context, ledgerAddr address.Address) (*model.Vault, error) {
	var vaultStr string
	var balStr sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT v.address, a.balance
		 FROM vaults v LEFT JOIN accounts a ON a.address = v.address
		 WHERE v.ledger = ?`, ledgerAddr.String(),
	).Scan(&vaultStr, &balStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get vault for %s: %w", ledgerAddr, err)
	}

	vault, err := address.Parse(vaultStr)
	if err != nil {
		return nil, fmt.Errorf("decode vault address: %w", err)
	}
	var bal uint64
	if balStr.Valid {
		if bal, err = strconv.ParseUint(balStr.String, 10, 64); err != nil {
			return nil, fmt.Errorf("decode vault balance: %w", err)
		}
	}
	return &model.Vault{Address: vault, Ledger: ledgerAddr, Balance: bal}, nil
}

// VaultOwner implements Store.
func (s *SQLiteStore) VaultOwner(ctx context.Context, vault address.Address) (address.Address, error) {
	var owner string
	if err := s.db.QueryRowContext(ctx,
		`SELECT ledger FROM vaults WHERE address = ?`, vault.String(),
	).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return address.Zero, model.ErrNotFound
		}
		return address.Zero, fmt.Errorf("get vault owner %s: %w", vault, err)
	}
	return address.Parse(owner)
}

// Balance implements Store.
func (s *SQLiteStore) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	return sqliteBalance(ctx, s.db, addr)
}

// Credit implements Store.
func (s *SQLiteStore) Credit(ctx context.Context, addr address.Address, amount uint64) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	reserved, err := sqliteReserved(ctx, tx, addr)
	if err != nil {
		return 0, err
	}
	if reserved {
		return 0, model.ErrReservedAddress
	}

	bal, err := sqliteBalance(ctx, tx, addr)
	if err != nil {
		return 0, err
	}
	bal = model.SaturatingAdd(bal, amount)
	if err := sqliteSetBalance(ctx, tx, addr, bal); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return bal, nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, addr address.Address) (bool, error) {
	return sqliteExists(ctx, s.db, addr)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, ledgerAddr address.Address, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var state string
	if err := tx.QueryRowContext(ctx,
		`SELECT state FROM ledgers WHERE address = ?`, ledgerAddr.String(),
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("load ledger %s: %w", ledgerAddr, err)
	}
	l, err := decodeLedger([]byte(state))
	if err != nil {
		return err
	}

	if err := fn(&sqliteTx{tx: tx, ledger: l}); err != nil {
		return err
	}

	updated, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledgers SET state = ?, updated_at = ? WHERE address = ?`,
		string(updated), time.Now().UTC().UnixNano(), ledgerAddr.String(),
	); err != nil {
		return fmt.Errorf("update ledger %s: %w", ledgerAddr, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx     *sql.Tx
	ledger *model.Ledger
}

func (t *sqliteTx) Ledger() *model.Ledger { return t.ledger }

func (t *sqliteTx) Transfer(ctx context.Context, from, to address.Address, amount uint64) error {
	src, err := sqliteBalance(ctx, t.tx, from)
	if err != nil {
		return err
	}
	if src < amount {
		return model.ErrInsufficientFunds
	}
	if from == to || amount == 0 {
		return nil
	}
	dst, err := sqliteBalance(ctx, t.tx, to)
	if err != nil {
		return err
	}
	if err := sqliteSetBalance(ctx, t.tx, from, src-amount); err != nil {
		return err
	}
	return sqliteSetBalance(ctx, t.tx, to, model.SaturatingAdd(dst, amount))
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteBalance(ctx context.Context, q sqlQuerier, addr address.Address) (uint64, error) {
	var balStr string
	if err := q.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE address = ?`, addr.String(),
	).Scan(&balStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance %s: %w", addr, err)
	}
	return strconv.ParseUint(balStr, 10, 64)
}

func sqliteSetBalance(ctx context.Context, q sqlQuerier, addr address.Address, bal uint64) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO accounts (address, balance) VALUES (?, ?)
		 ON CONFLICT (address) DO UPDATE SET balance = excluded.balance`,
		addr.String(), formatAmount(bal),
	); err != nil {
		return fmt.Errorf("write balance %s: %w", addr, err)
	}
	return nil
}

func sqliteExists(ctx context.Context, q sqlQuerier, addr address.Address) (bool, error) {
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledgers WHERE address = ?1)
		     OR EXISTS(SELECT 1 FROM vaults WHERE address = ?1)
		     OR EXISTS(SELECT 1 FROM accounts WHERE address = ?1)`,
		addr.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check address %s: %w", addr, err)
	}
	return exists, nil
}

// sqliteReserved reports whether addr is a ledger or a vault.
func sqliteReserved(ctx context.Context, q sqlQuerier, addr address.Address) (bool, error) {
	var reserved bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledgers WHERE address = ?1)
		     OR EXISTS(SELECT 1 FROM vaults WHERE address = ?1)`,
		addr.String(),
	).Scan(&reserved); err != nil {
		return false, fmt.Errorf("check address %s: %w", addr, err)
	}
	return reserved, nil
}
