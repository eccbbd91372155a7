package address

import (
	"errors"

	"golang.org/x/crypto/sha3"
)

// VaultLabel is the fixed label mixed into every vault derivation.
const VaultLabel = "vault"

// derivationMarker separates derived addresses from any key-backed address space.
const derivationMarker = "fundround-derived"

// ErrNoViableBump is returned by FindDerived when every bump from 255 down to 0
// yields an address that is already taken.
var ErrNoViableBump = errors.New("unable to find a viable derivation bump")

// Derive computes the child address for (label, parent, bump).
// The result is SHA3-256(label || parent || bump || marker). It is pure: the same
// inputs always produce the same address.
func Derive(label string, parent Address, bump uint8) Address {
	h := sha3.New256()
	h.Write([]byte(label))
	h.Write(parent[:])
	h.Write([]byte{bump})
	h.Write([]byte(derivationMarker))

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// FindDerived searches bumps from 255 down to 0 and returns the first derived
// address for which taken reports false. taken may be nil, in which case the
// canonical bump 255 is always chosen.
func FindDerived(label string, parent Address, taken func(Address) bool) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		a := Derive(label, parent, uint8(bump))
		if taken == nil || !taken(a) {
			return a, uint8(bump), nil
		}
	}
	return Zero, 0, ErrNoViableBump
}
