package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

// PostgresStore persists rounds to PostgreSQL. Balances are NUMERIC(20,0) so the
// full uint64 range round-trips; they cross the driver boundary as decimal text.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// CreateRound implements Store.
func (s *PostgresStore) CreateRound(ctx context.Context, l *model.Ledger) error {
	state, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	vault := l.Vault()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, a := range []address.Address{l.Address, vault} {
		taken, err := existsIn(ctx, tx, a)
		if err != nil {
			return err
		}
		if taken {
			return model.ErrReinitialization
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledgers (address, authority, vault, expires_at, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.Address.String(), l.Authority.String(), vault.String(),
		l.ExpiresAt, state, l.CreatedAt, l.UpdatedAt,
	); err != nil {
		return mapUniqueViolation(err, "insert ledger")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vaults (address, ledger) VALUES ($1, $2)`,
		vault.String(), l.Address.String(),
	); err != nil {
		return mapUniqueViolation(err, "insert vault")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (address, balance) VALUES ($1, 0)`, vault.String(),
	); err != nil {
		return mapUniqueViolation(err, "insert vault account")
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit round: %w", err)
	}

	s.logger.Debug("round stored",
		zap.String("ledger", l.Address.String()),
		zap.String("vault", vault.String()),
	)
	return nil
}

// GetLedger implements Store.
func (s *PostgresStore) GetLedger(ctx context.Context, addr address.Address) (*model.Ledger, error) {
	var state []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT state FROM ledgers WHERE address = $1`, addr.String(),
	).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger %s: %w", addr, err)
	}
	return decodeLedger(state)
}

// ListLedgers implements Store.
func (s *PostgresStore) ListLedgers(ctx context.Context, limit, offset int) ([]*model.Ledger, error) {
	limit, offset = clampLimit(limit, offset)
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM ledgers ORDER BY created_at DESC, address LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	out := []*model.Ledger{}
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		l, err := decodeLedger(state)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetVault implements Store.
func (s *PostgresStore) GetVault(ctx context.Context, ledgerAddr address.Address) (*model.Vault, error) {
	var vaultStr, balStr string
	if err := s.pool.QueryRow(ctx,
		`SELECT v.address, COALESCE(a.balance, 0)::text
		 FROM vaults v LEFT JOIN accounts a ON a.address = v.address
		 WHERE v.ledger = $1`, ledgerAddr.String(),
	).Scan(&vaultStr, &balStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get vault for %s: %w", ledgerAddr, err)
	}

	vault, err := address.Parse(vaultStr)
	if err != nil {
		return nil, fmt.Errorf("decode vault address: %w", err)
	}
	bal, err := strconv.ParseUint(balStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode vault balance: %w", err)
	}
	return &model.Vault{Address: vault, Ledger: ledgerAddr, Balance: bal}, nil
}

// VaultOwner implements Store.
func (s *PostgresStore) VaultOwner(ctx context.Context, vault address.Address) (address.Address, error) {
	var owner string
	if err := s.pool.QueryRow(ctx,
		`SELECT ledger FROM vaults WHERE address = $1`, vault.String(),
	).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return address.Zero, model.ErrNotFound
		}
		return address.Zero, fmt.Errorf("get vault owner %s: %w", vault, err)
	}
	return address.Parse(owner)
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	return readBalance(ctx, s.pool, addr, false)
}

// Credit implements Store. The reserved-address check runs after the upsert:
// the upsert waits on any concurrent CreateRound holding the same accounts row,
// and the following statement then sees its committed ledger and vault rows.
func (s *PostgresStore) Credit(ctx context.Context, addr address.Address, amount uint64) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var balStr string
	if err := tx.QueryRow(ctx,
		`INSERT INTO accounts (address, balance) VALUES ($1, $2::text::numeric)
		 ON CONFLICT (address) DO UPDATE
		 SET balance = LEAST(accounts.balance + EXCLUDED.balance, $3::text::numeric)
		 RETURNING balance::text`,
		addr.String(), formatAmount(amount), formatAmount(maxBalance),
	).Scan(&balStr); err != nil {
		return 0, fmt.Errorf("credit %s: %w", addr, err)
	}

	var reserved bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledgers WHERE address = $1)
		     OR EXISTS(SELECT 1 FROM vaults WHERE address = $1)`,
		addr.String(),
	).Scan(&reserved); err != nil {
		return 0, fmt.Errorf("check address %s: %w", addr, err)
	}
	if reserved {
		return 0, model.ErrReservedAddress
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return strconv.ParseUint(balStr, 10, 64)
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, addr address.Address) (bool, error) {
	return existsIn(ctx, s.pool, addr)
}

// Update implements Store. The ledger row is locked with SELECT … FOR UPDATE so
// concurrent deposits against the same round serialise.
func (s *PostgresStore) Update(ctx context.Context, ledgerAddr address.Address, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var state []byte
	if err := tx.QueryRow(ctx,
		`SELECT state FROM ledgers WHERE address = $1 FOR UPDATE`, ledgerAddr.String(),
	).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("lock ledger %s: %w", ledgerAddr, err)
	}
	l, err := decodeLedger(state)
	if err != nil {
		return err
	}

	if err := fn(&pgTx{tx: tx, ledger: l}); err != nil {
		return err
	}

	updated, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledgers SET state = $2, updated_at = $3 WHERE address = $1`,
		ledgerAddr.String(), updated, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("update ledger %s: %w", ledgerAddr, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// pgTx moves balances inside the open PostgreSQL transaction.
type pgTx struct {
	tx     pgx.Tx
	ledger *model.Ledger
}

func (t *pgTx) Ledger() *model.Ledger { return t.ledger }

func (t *pgTx) Transfer(ctx context.Context, from, to address.Address, amount uint64) error {
	src, err := readBalance(ctx, t.tx, from, true)
	if err != nil {
		return err
	}
	if src < amount {
		return model.ErrInsufficientFunds
	}
	if from == to || amount == 0 {
		return nil
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::text::numeric WHERE address = $1`,
		from.String(), formatAmount(amount),
	); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (address, balance) VALUES ($1, $2::text::numeric)
		 ON CONFLICT (address) DO UPDATE
		 SET balance = LEAST(accounts.balance + EXCLUDED.balance, $3::text::numeric)`,
		to.String(), formatAmount(amount), formatAmount(maxBalance),
	); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readBalance(ctx context.Context, q querier, addr address.Address, lock bool) (uint64, error) {
	sql := `SELECT balance::text FROM accounts WHERE address = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var balStr string
	if err := q.QueryRow(ctx, sql, addr.String()).Scan(&balStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance %s: %w", addr, err)
	}
	return strconv.ParseUint(balStr, 10, 64)
}

func existsIn(ctx context.Context, q querier, addr address.Address) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledgers WHERE address = $1)
		     OR EXISTS(SELECT 1 FROM vaults WHERE address = $1)
		     OR EXISTS(SELECT 1 FROM accounts WHERE address = $1)`,
		addr.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check address %s: %w", addr, err)
	}
	return exists, nil
}

func mapUniqueViolation(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.ErrReinitialization
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeLedger(state []byte) (*model.Ledger, error) {
	var l model.Ledger
	if err := json.Unmarshal(state, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return &l, nil
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}
