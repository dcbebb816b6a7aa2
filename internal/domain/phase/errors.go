package phase

import "errors"

var (
	ErrNotFound             = errors.New("phase not found")
	ErrAllocationNotFound   = errors.New("allocation not found")
	ErrInsufficientCapacity = errors.New("insufficient phase capacity")
	ErrPhaseClosed          = errors.New("phase is not active")
	ErrPhaseSequence        = errors.New("phase sequence violation")
	ErrInvalidState         = errors.New("allocation is not pending")
	ErrInvalidStatus        = errors.New("invalid sale outcome status")
	ErrInvalidUnits         = errors.New("invalid units: must be greater than 0")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrPhaseNumberTaken     = errors.New("phase number must exceed existing phases")

	ErrInternal = errors.New("internal error")
)
