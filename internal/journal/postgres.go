package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent appends across every fundingd instance
// sharing the database.
const advisoryLockKey = int64(1_734_020_611)

// PostgresJournal persists the journal to the round_journal table.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJournal creates a PostgresJournal backed by the given connection pool.
// The genesis row is inserted by migration 002.
func NewPostgresJournal(pool *pgxpool.Pool, logger *zap.Logger) *PostgresJournal {
	return &PostgresJournal{pool: pool, logger: logger}
}

// Append implements Journal. The tail read and insert run under a
// transaction-scoped advisory lock.
func (j *PostgresJournal) Append(ctx context.Context, ledger, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM round_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		EventID:   uuid.New(),
		Timestamp: entryTime(),
		Ledger:    ledger,
		Action:    action,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO round_journal (idx, event_id, timestamp, ledger, action, actor, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Index, entry.EventID, entry.Timestamp, entry.Ledger,
		entry.Action, entry.Actor, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit journal tx: %w", err)
	}

	j.logger.Debug("journal entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("ledger", entry.Ledger),
	)
	return entry, nil
}

const selectEntry = `SELECT idx, event_id, timestamp, ledger, action, actor, data_hash, prev_hash, hash FROM round_journal`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	err := row.Scan(
		&e.Index, &e.EventID, &e.Timestamp, &e.Ledger,
		&e.Action, &e.Actor, &e.DataHash, &e.PrevHash, &e.Hash,
	)
	e.Timestamp = e.Timestamp.UTC()
	return e, err
}

// Get implements Journal.
func (j *PostgresJournal) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(j.pool.QueryRow(ctx, selectEntry+` WHERE idx = $1`, index))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: index %d", ErrEntryNotFound, index)
		}
		return nil, fmt.Errorf("get journal entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Journal.
func (j *PostgresJournal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.pool.QueryRow(ctx, "SELECT COUNT(*) FROM round_journal").Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Verify implements Journal. It streams every row in index order.
func (j *PostgresJournal) Verify(ctx context.Context) error {
	rows, err := j.pool.Query(ctx, selectEntry+` ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Journal.
func (j *PostgresJournal) Root(ctx context.Context) (string, error) {
	var hash string
	if err := j.pool.QueryRow(ctx,
		"SELECT hash FROM round_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get journal root: %w", err)
	}
	return hash, nil
}
