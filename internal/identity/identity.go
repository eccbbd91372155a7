// Package identity authenticates round participants.
//
// A participant is an ed25519 key pair and its address is the public key. Every
// mutating request carries a short-lived EdDSA JWT signed by that key:
//
//	sub  base58 address of the signer
//	aud  the service audience
//	op   the operation being authorised ("create", "deposit")
//	jti  random id, accepted once
//	iat, exp
//
// It provides:
//   - Sign / Verifier  — issue and check signer tokens, with jti replay protection
//   - RequireSigner    — Gin middleware injecting the authenticated address
//   - RequireAdminSecret — Gin middleware guarding operator-only routes
//   - GenerateKey, LoadOrCreateKey — PEM key files for the CLI
package identity
