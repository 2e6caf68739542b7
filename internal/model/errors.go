package model

import "errors"

// Domain errors surfaced to callers of the pool manager and the flash-loan
// controller. Match with errors.Is; callers wrap them with context.
var (
	ErrAlreadyInitialized    = errors.New("flashpool: pool already initialized")
	ErrPoolNotFound          = errors.New("flashpool: pool not found")
	ErrInvalidAmount         = errors.New("flashpool: invalid amount")
	ErrInvalidIdentity       = errors.New("flashpool: invalid identity")
	ErrInsufficientLiquidity = errors.New("flashpool: insufficient liquidity")
	ErrBelowMinimum          = errors.New("flashpool: principal below minimum loan")
	ErrUnderRepayment        = errors.New("flashpool: repayment below required amount")
	ErrReceiptMismatch       = errors.New("flashpool: no matching open loan receipt")
	ErrPoolBusy              = errors.New("flashpool: pool has an open loan")
	ErrLoanNotRepaid         = errors.New("flashpool: loan not repaid before end of unit")
	ErrInvariantViolation    = errors.New("flashpool: pool invariant violated")
)
