package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/fundround/pkg/address"
	"github.com/patrickmn/go-cache"
)

// Operations a signer token can authorise.
const (
	OpCreate  = "create"
	OpDeposit = "deposit"
)

// DefaultTokenTTL is the lifetime Sign uses when none is given.
const DefaultTokenTTL = 2 * time.Minute

var (
	ErrTokenReplayed  = errors.New("token already used")
	ErrWrongOperation = errors.New("token does not authorise this operation")
	ErrTokenLifetime  = errors.New("token lifetime exceeds the allowed maximum")
	ErrRequestBinding = errors.New("token was issued for a different request")
)

// SignerClaims are the JWT claims of a signer token.
type SignerClaims struct {
	jwt.RegisteredClaims
	Op  string `json:"op"`
	Req string `json:"req"` // RequestDigest of the authorised request
}

// RequestDigest binds a token to one request: the method, the URL path (which
// names the round) and the exact body bytes (which carry the amount).
func RequestDigest(method, path string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %s\n", method, path)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns an EdDSA token proving that the holder of key authorises op on
// the request identified by digest (see RequestDigest).
func Sign(key ed25519.PrivateKey, audience, op, digest string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("sign token: unexpected public key type")
	}
	signer, err := address.FromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	now := time.Now().UTC()
	claims := SignerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signer.String(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Op:  op,
		Req: digest,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks signer tokens. The verification key is the public key named
// by the sub claim, so no key material is configured on the server side.
type Verifier struct {
	audience string
	maxTTL   time.Duration
	seen     *cache.Cache
}

// NewVerifier creates a Verifier for audience. Tokens whose exp-iat span is
// longer than maxTTL are rejected (default 5 minutes).
func NewVerifier(audience string, maxTTL time.Duration) *Verifier {
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	return &Verifier{
		audience: audience,
		maxTTL:   maxTTL,
		seen:     cache.New(maxTTL, 2*maxTTL),
	}
}

// Audience returns the aud value tokens must carry.
func (v *Verifier) Audience() string { return v.audience }

// Verify validates tokenStr for op on the request identified by digest and
// returns the signer's address. A token is accepted at most once.
func (v *Verifier) Verify(tokenStr, op, digest string) (address.Address, *SignerClaims, error) {
	var signer address.Address
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SignerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			sub, err := tok.Claims.GetSubject()
			if err != nil {
				return nil, err
			}
			if signer, err = address.Parse(sub); err != nil {
				return nil, fmt.Errorf("subject: %w", err)
			}
			return signer.PublicKey(), nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return address.Zero, nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*SignerClaims)
	if !ok || !token.Valid {
		return address.Zero, nil, fmt.Errorf("invalid token claims")
	}
	if claims.Op != op {
		return address.Zero, nil, fmt.Errorf("%w: got %q, want %q", ErrWrongOperation, claims.Op, op)
	}
	if claims.Req != digest {
		return address.Zero, nil, ErrRequestBinding
	}
	if claims.IssuedAt == nil || claims.ID == "" {
		return address.Zero, nil, fmt.Errorf("invalid token claims: iat and jti are required")
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
		return address.Zero, nil, ErrTokenLifetime
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := v.seen.Add(claims.ID, signer, remaining); err != nil {
		return address.Zero, nil, ErrTokenReplayed
	}
	return signer, claims, nil
}
