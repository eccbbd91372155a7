package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/fundround/internal/funding/service"
	"github.com/jmerrifield20/fundround/internal/identity"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

// AirdropRequest is the body of POST /accounts/:address/airdrop.
type AirdropRequest struct {
	Amount uint64 `json:"amount"`
}

// AccountHandler exposes custody balances and the operator airdrop.
type AccountHandler struct {
	svc         *service.RoundService
	adminSecret string // empty = airdrop disabled
	logger      *zap.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(svc *service.RoundService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logger}
}

// EnableAirdrop turns on POST /accounts/:address/airdrop, guarded by secret.
func (h *AccountHandler) EnableAirdrop(secret string) {
	h.adminSecret = secret
}

// Register mounts the account routes on the given router group.
func (h *AccountHandler) Register(rg *gin.RouterGroup) {
	accounts := rg.Group("/accounts")
	{
		accounts.GET("/:address", h.GetBalance)
		accounts.POST("/:address/airdrop", h.requireAdmin, h.Airdrop)
	}
}

// requireAdmin reads the secret per request so EnableAirdrop may be called
// after Register.
func (h *AccountHandler) requireAdmin(c *gin.Context) {
	identity.RequireAdminSecret(h.adminSecret)(c)
}

func addressParam(c *gin.Context) (address.Address, bool) {
	a, err := address.Parse(c.Param("address"))
	if err != nil {
		badRequest(c, "invalid address: "+err.Error())
		return address.Zero, false
	}
	return a, true
}

// GetBalance handles GET /accounts/:address.
func (h *AccountHandler) GetBalance(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	bal, err := h.svc.Balance(c.Request.Context(), addr)
	if err != nil {
		writeError(c, h.logger, err, "failed to read balance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": bal})
}

// Airdrop handles POST /accounts/:address/airdrop.
func (h *AccountHandler) Airdrop(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var req AirdropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	bal, err := h.svc.Airdrop(c.Request.Context(), addr, req.Amount)
	if err != nil {
		writeError(c, h.logger, err, "failed to credit account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": bal})
}
