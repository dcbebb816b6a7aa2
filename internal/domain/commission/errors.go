package commission

import "errors"

var (
	// ErrDuplicateCommission is returned when the earner already has an entry for the allocation
	ErrDuplicateCommission = errors.New("commission already recorded for allocation and earner")

	// ErrInsufficientFunds is returned when the balance cannot cover a reservation or debit
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidPercentage = errors.New("invalid percentage: must be between 0 and 100")
	ErrInvalidCriteria   = errors.New("activation criteria must name ids or an age")
	ErrReinvestDisabled  = errors.New("reinvestment is not configured")

	ErrInternal = errors.New("internal error")
)
