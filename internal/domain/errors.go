package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrRunNotFound          = errors.New("run_not_found")
	ErrUnknownSlippageModel = errors.New("unknown_slippage_model")
	ErrUnknownCostStructure = errors.New("unknown_cost_structure")
	ErrUnknownStrategy      = errors.New("unknown_strategy")
	ErrUnknownSource        = errors.New("unknown_source")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
