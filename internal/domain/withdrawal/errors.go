package withdrawal

import (
	"errors"

	"github.com/shareflow/shareflow-api/internal/domain/commission"
)

var (
	ErrNotFound           = errors.New("withdrawal request not found")
	ErrInvalidState       = errors.New("withdrawal request cannot make this transition")
	ErrMissingProof       = errors.New("completion reference is required")
	ErrDuplicateReference = errors.New("completion reference already used")
	ErrOutsideWindow      = errors.New("withdrawal window is closed")
	ErrInvalidType        = errors.New("invalid withdrawal type")
	ErrInvalidAmount      = errors.New("invalid withdrawal amount")
	ErrBelowMinimum       = errors.New("amount is below the minimum withdrawal")
	ErrInvalidAddress     = errors.New("invalid destination address")
	ErrInvalidOutcome     = errors.New("invalid outcome")

	// ErrInsufficientFunds comes from the ledger when the reservation cannot be made.
	ErrInsufficientFunds = commission.ErrInsufficientFunds

	ErrInternal = errors.New("internal error")
)
