package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/internal/funding/service"
	"github.com/jmerrifield20/fundround/internal/identity"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

// CreateRoundRequest is the body of POST /rounds. The authority is the signer
// of the request token.
type CreateRoundRequest struct {
	Ledger            string   `json:"ledger,omitempty"`
	AllowedDepositors []string `json:"allowed_depositors" binding:"required"`
	ExpiresAt         int64    `json:"expires_at" binding:"required"`
}

// DepositRequest is the body of POST /rounds/:ledger/deposits. The depositor is
// the signer of the request token.
type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

// RoundHandler handles HTTP requests for funding rounds.
type RoundHandler struct {
	svc      *service.RoundService
	verifier *identity.Verifier
	logger   *zap.Logger
}

// NewRoundHandler creates a new RoundHandler.
func NewRoundHandler(svc *service.RoundService, verifier *identity.Verifier, logger *zap.Logger) *RoundHandler {
	return &RoundHandler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the round routes on the given router group.
func (h *RoundHandler) Register(rg *gin.RouterGroup) {
	rounds := rg.Group("/rounds")
	{
		rounds.POST("", identity.RequireSigner(h.verifier, identity.OpCreate), h.CreateRound)
		rounds.GET("", h.ListRounds)
		rounds.GET("/:ledger", h.GetRound)
		rounds.POST("/:ledger/deposits", identity.RequireSigner(h.verifier, identity.OpDeposit), h.Deposit)
		rounds.GET("/:ledger/vault", h.GetVault)
		rounds.GET("/:ledger/audit", h.Audit)
	}
}

func ledgerParam(c *gin.Context) (address.Address, bool) {
	a, err := address.Parse(c.Param("ledger"))
	if err != nil {
		badRequest(c, "invalid ledger address: "+err.Error())
		return address.Zero, false
	}
	return a, true
}

// CreateRound handles POST /rounds.
func (h *RoundHandler) CreateRound(c *gin.Context) {
	var req CreateRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	authority, _ := identity.SignerFromCtx(c)
	svcReq := &service.CreateRoundRequest{
		Authority: authority,
		ExpiresAt: time.Unix(req.ExpiresAt, 0).UTC(),
	}
	if req.Ledger != "" {
		a, err := address.Parse(req.Ledger)
		if err != nil {
			badRequest(c, "invalid ledger address: "+err.Error())
			return
		}
		svcReq.Ledger = a
	}
	for _, s := range req.AllowedDepositors {
		a, err := address.Parse(s)
		if err != nil {
			badRequest(c, "invalid allowed depositor "+strconv.Quote(s)+": "+err.Error())
			return
		}
		svcReq.AllowedDepositors = append(svcReq.AllowedDepositors, a)
	}

	ctx := c.Request.Context()
	l, err := h.svc.CreateRound(ctx, svcReq)
	if err != nil {
		writeError(c, h.logger, err, "failed to create round")
		return
	}

	view, err := h.svc.GetRound(ctx, l.Address)
	if err != nil {
		writeError(c, h.logger, err, "failed to load round")
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListRounds handles GET /rounds.
func (h *RoundHandler) ListRounds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rounds, err := h.svc.ListRounds(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, h.logger, err, "failed to list rounds")
		return
	}
	if rounds == nil {
		rounds = []*model.Ledger{}
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds, "count": len(rounds)})
}

// GetRound handles GET /rounds/:ledger.
func (h *RoundHandler) GetRound(c *gin.Context) {
	ledger, ok := ledgerParam(c)
	if !ok {
		return
	}
	view, err := h.svc.GetRound(c.Request.Context(), ledger)
	if err != nil {
		writeError(c, h.logger, err, "failed to load round")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Deposit handles POST /rounds/:ledger/deposits.
func (h *RoundHandler) Deposit(c *gin.Context) {
	ledger, ok := ledgerParam(c)
	if !ok {
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	depositor, _ := identity.SignerFromCtx(c)
	receipt, err := h.svc.Deposit(c.Request.Context(), &service.DepositRequest{
		Ledger:    ledger,
		Depositor: depositor,
		Amount:    req.Amount,
	})
	if err != nil {
		writeError(c, h.logger, err, "failed to record deposit")
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// GetVault handles GET /rounds/:ledger/vault.
func (h *RoundHandler) GetVault(c *gin.Context) {
	ledger, ok := ledgerParam(c)
	if !ok {
		return
	}
	vault, err := h.svc.VaultBalance(c.Request.Context(), ledger)
	if err != nil {
		writeError(c, h.logger, err, "failed to load vault")
		return
	}
	c.JSON(http.StatusOK, vault)
}

// Audit handles GET /rounds/:ledger/audit.
func (h *RoundHandler) Audit(c *gin.Context) {
	ledger, ok := ledgerParam(c)
	if !ok {
		return
	}
	report, err := h.svc.Audit(c.Request.Context(), ledger)
	if err != nil {
		writeError(c, h.logger, err, "failed to audit round")
		return
	}
	c.JSON(http.StatusOK, report)
}
