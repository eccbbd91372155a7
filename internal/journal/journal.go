// Package journal implements an append-only hash chain of funding round events.
//
// The chain begins with a well-known genesis entry whose Hash equals GenesisHash
// (64 hex zeros). Every subsequent entry records the hash of its predecessor,
// so editing or dropping a past event is detected by Verify.
//
// Two implementations of the Journal interface are provided:
//   - MemoryJournal: in-process, for testing and development.
//   - PostgresJournal: durable, for production use.
package journal

import (
	"context"
	"errors"
)

// Actions recorded in the journal.
const (
	ActionGenesis = "genesis"
	ActionCreate  = "create"
	ActionDeposit = "deposit"
	ActionAirdrop = "airdrop"
)

// SystemActor is the actor recorded for entries not attributable to a participant.
const SystemActor = "fundround-system"

// ErrEntryNotFound is returned by Get for an index outside the chain.
var ErrEntryNotFound = errors.New("journal entry not found")

// Journal is the interface for the append-only event chain.
type Journal interface {
	// Append adds a new entry chained to the previous one.
	// payload is JSON-marshalled and its SHA-256 is stored as DataHash.
	Append(ctx context.Context, ledger, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)
}
