package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/fundround/internal/funding/model"
	"go.uber.org/zap"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr), errors.Is(err, model.ErrZeroAmount), errors.Is(err, model.ErrReservedAddress):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorizedDepositor):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyDeposited), errors.Is(err, model.ErrReinitialization):
		return http.StatusConflict
	case errors.Is(err, model.ErrFundingExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error", "code"}. Internal errors are logged and
// replaced by msg so store details never reach the client.
func writeError(c *gin.Context, logger *zap.Logger, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": msg, "code": model.Code(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": model.Code(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "InvalidRequest"})
}
