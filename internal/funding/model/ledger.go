package model

import (
	"fmt"
	"math"
	"time"

	"github.com/jmerrifield20/fundround/pkg/address"
)

// Whitelist sizes supported by a round. The size is fixed per deployment.
const (
	MinSlots     = 4
	MaxSlots     = 5
	DefaultSlots = MaxSlots
)

// SlotStatus is the per-participant deposit state derived from Deposits[i].
type SlotStatus string

const (
	SlotUnpaid SlotStatus = "unpaid"
	SlotPaid   SlotStatus = "paid"
)

// Ledger is the bookkeeping record of a single funding round.
//
// AllowedDepositors and Deposits are positionally aligned. A zero in Deposits[i]
// means participant i has not contributed yet; once set it never changes.
type Ledger struct {
	Address           address.Address   `json:"address"`
	Authority         address.Address   `json:"authority"`
	AllowedDepositors []address.Address `json:"allowed_depositors"`
	Deposits          []uint64          `json:"deposits"`
	TotalCollected    uint64            `json:"total_collected"`
	DepositorsCount   uint8             `json:"depositors_count"`
	ExpiresAt         time.Time         `json:"expires_at"`
	VaultBump         uint8             `json:"vault_bump"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Vault is the custody record bound to a ledger. It carries nothing but value.
type Vault struct {
	Address address.Address `json:"address"`
	Ledger  address.Address `json:"ledger"`
	Balance uint64          `json:"balance"`
}

// NewLedger returns a ledger with every slot unpaid and zero totals.
// The expiry is truncated to whole seconds, the precision the round is kept at.
func NewLedger(addr, authority address.Address, allowed []address.Address, expiresAt time.Time, bump uint8) *Ledger {
	now := time.Now().UTC()
	l := &Ledger{
		Address:           addr,
		Authority:         authority,
		AllowedDepositors: append([]address.Address(nil), allowed...),
		Deposits:          make([]uint64, len(allowed)),
		ExpiresAt:         expiresAt.UTC().Truncate(time.Second),
		VaultBump:         bump,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return l
}

// Vault re-derives the address of the vault bound to this ledger.
func (l *Ledger) Vault() address.Address {
	return address.Derive(address.VaultLabel, l.Address, l.VaultBump)
}

// Slot returns the whitelist position of addr.
func (l *Ledger) Slot(addr address.Address) (int, bool) {
	for i, a := range l.AllowedDepositors {
		if a == addr {
			return i, true
		}
	}
	return -1, false
}

// Status returns the deposit state of slot i.
func (l *Ledger) Status(i int) SlotStatus {
	if l.Deposits[i] == 0 {
		return SlotUnpaid
	}
	return SlotPaid
}

// Expired reports whether deposits are closed at now.
func (l *Ledger) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Record stores amount in slot i and updates the running totals.
// Both totals saturate instead of wrapping. Callers must have checked that the
// slot is unpaid.
func (l *Ledger) Record(i int, amount uint64) {
	l.Deposits[i] = amount
	l.TotalCollected = SaturatingAdd(l.TotalCollected, amount)
	if l.DepositorsCount < math.MaxUint8 {
		l.DepositorsCount++
	}
	l.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.AllowedDepositors = append([]address.Address(nil), l.AllowedDepositors...)
	c.Deposits = append([]uint64(nil), l.Deposits...)
	return &c
}

// CheckInvariants verifies the accounting invariants of the ledger.
func (l *Ledger) CheckInvariants() error {
	if len(l.AllowedDepositors) != len(l.Deposits) {
		return fmt.Errorf("whitelist has %d entries but deposits has %d", len(l.AllowedDepositors), len(l.Deposits))
	}

	var sum uint64
	var paid int
	for _, d := range l.Deposits {
		sum = SaturatingAdd(sum, d)
		if d != 0 {
			paid++
		}
	}
	if sum != l.TotalCollected {
		return fmt.Errorf("total_collected %d does not match sum of deposits %d", l.TotalCollected, sum)
	}
	if paid > math.MaxUint8 {
		paid = math.MaxUint8
	}
	if int(l.DepositorsCount) != paid {
		return fmt.Errorf("depositors_count %d does not match %d paid slots", l.DepositorsCount, paid)
	}

	seen := make(map[address.Address]struct{}, len(l.AllowedDepositors))
	for _, a := range l.AllowedDepositors {
		if _, dup := seen[a]; dup {
			return fmt.Errorf("duplicate whitelist entry %s", a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// SaturatingAdd adds two amounts, clamping at the maximum representable value.
func SaturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
