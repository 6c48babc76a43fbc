// Package schederr holds the error kinds shared by the scheduling components.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package schederr

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrRangeTooLarge        = errors.New("range too large")
	ErrSlotUnavailable      = errors.New("slot unavailable")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
)
