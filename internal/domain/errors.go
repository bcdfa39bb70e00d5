package domain

import "errors"

// Errors reported by the scheduler. Check them with errors.Is.
var (
	ErrInvalidState    = errors.New("invalid state transition")
	ErrClockSkew       = errors.New("clock skew: now precedes last review")
	ErrPolicyViolation = errors.New("deck policy violation")
	ErrNotFound        = errors.New("not found")
)
