package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single event in the journal.
type Entry struct {
	Index     int       `json:"index"`
	EventID   uuid.UUID `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Ledger    string    `json:"ledger"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`     // participant address or SystemActor
	DataHash  string    `json:"data_hash"` // SHA-256 of the event payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// entryTime returns the timestamp for a new entry. TIMESTAMPTZ keeps
// microseconds, so anything finer would not survive a round trip.
func entryTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// hashEntry computes the chained hash over an entry's fields.
// Never called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.EventID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Ledger, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor. prev is nil for the genesis entry.
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
