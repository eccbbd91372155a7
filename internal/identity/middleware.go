package identity

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/fundround/pkg/address"
)

const (
	ctxSigner = "fundround_signer"
	ctxClaims = "fundround_signer_claims"
)

// AdminSecretHeader carries the operator secret for admin-only routes.
const AdminSecretHeader = "X-Admin-Secret"

// RequireSigner returns a Gin middleware that enforces a valid Bearer signer
// token for op, issued for this exact request. On success the signer's address
// is stored in the context and the body is left readable for the handler.
func RequireSigner(v *Verifier, op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer signer token required",
				"code":  "Unauthenticated",
			})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			if body, err = io.ReadAll(c.Request.Body); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "failed to read request body",
					"code":  "InvalidRequest",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		digest := RequestDigest(c.Request.Method, c.Request.URL.Path, body)
		signer, claims, err := v.Verify(strings.TrimPrefix(authHeader, "Bearer "), op, digest)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
				"code":  "Unauthenticated",
			})
			return
		}

		c.Set(ctxSigner, signer)
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// SignerFromCtx retrieves the address injected by RequireSigner.
func SignerFromCtx(c *gin.Context) (address.Address, bool) {
	v, ok := c.Get(ctxSigner)
	if !ok {
		return address.Zero, false
	}
	a, ok := v.(address.Address)
	return a, ok
}

// ClaimsFromCtx retrieves the token claims injected by RequireSigner.
func ClaimsFromCtx(c *gin.Context) *SignerClaims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*SignerClaims)
	return claims
}

// RequireAdminSecret returns a Gin middleware that compares the
// X-Admin-Secret header against secret. An empty secret disables the route.
func RequireAdminSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin routes are disabled",
				"code":  "Forbidden",
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin secret required",
				"code":  "Unauthenticated",
			})
			return
		}
		c.Next()
	}
}
