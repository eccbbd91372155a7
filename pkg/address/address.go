// Package address provides the 32-byte account identity used for participants,
// ledgers and vaults, along with the deterministic derivation that binds a vault
// to its ledger.
//
// Addresses are printed as base58 strings:
//
//	7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
//
// A participant's address is its ed25519 public key. Ledger addresses are random
// (or caller supplied) and vault addresses are derived:
//
//	vault := address.Derive(address.VaultLabel, ledger, bump)
package address

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the length of an address in bytes.
const Size = 32

// Address is a 32-byte account identity.
type Address [Size]byte

// Zero is the all-zero address. It is never a valid participant, ledger or authority.
var Zero Address

// ErrInvalid is returned when a string does not decode to a 32-byte address.
var ErrInvalid = errors.New("invalid address")

// Parse decodes a base58 address string.
func Parse(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, fmt.Errorf("%w: empty", ErrInvalid)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) != Size {
		return a, fmt.Errorf("%w: decoded length %d, want %d", ErrInvalid, len(raw), Size)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromPublicKey returns the address of an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (Address, error) {
	var a Address
	if len(pub) != ed25519.PublicKeySize {
		return a, fmt.Errorf("%w: public key length %d", ErrInvalid, len(pub))
	}
	copy(a[:], pub)
	return a, nil
}

// Random returns a fresh address backed by a throwaway ed25519 key.
func Random() (Address, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Zero, fmt.Errorf("generate key: %w", err)
	}
	return FromPublicKey(pub)
}

// String returns the base58 form of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Zero }

// PublicKey returns the address bytes as an ed25519 public key.
func (a Address) PublicKey() ed25519.PublicKey {
	pub := make(ed25519.PublicKey, Size)
	copy(pub, a[:])
	return pub
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
