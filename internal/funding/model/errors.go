package model

import "errors"

// Deposit and initialization failures. Every one of them aborts the operation
// with no state change.
var (
	ErrUnauthorizedDepositor = errors.New("address provided does not have permission to deposit")
	ErrAlreadyDeposited      = errors.New("address has already deposited")
	ErrFundingExpired        = errors.New("funding time has expired")
	ErrReinitialization      = errors.New("ledger already initialized")
	ErrZeroAmount            = errors.New("deposit amount must be greater than zero")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNotFound              = errors.New("ledger not found")
	ErrAccountNotFound       = errors.New("account not found")

	// ErrReservedAddress is returned when a custody credit targets a ledger or
	// vault address. Vaults only receive value through deposits.
	ErrReservedAddress = errors.New("address belongs to a ledger or vault")
)

// ErrValidation is returned for malformed round configuration.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }

// Code returns the stable error code for err, suitable for API responses.
// Unknown errors map to "Internal".
func Code(err error) string {
	var valErr *ErrValidation
	switch {
	case errors.As(err, &valErr), errors.Is(err, ErrReservedAddress):
		return "InvalidRequest"
	case errors.Is(err, ErrUnauthorizedDepositor):
		return "UnauthorizedDepositor"
	case errors.Is(err, ErrAlreadyDeposited):
		return "AlreadyDeposited"
	case errors.Is(err, ErrFundingExpired):
		return "FundingExpired"
	case errors.Is(err, ErrReinitialization):
		return "ReinitializationRejected"
	case errors.Is(err, ErrZeroAmount):
		return "ZeroAmount"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccountNotFound):
		return "NotFound"
	default:
		return "Internal"
	}
}
