package domain

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	// ErrInvariant marks a broken internal invariant; callers fail closed.
	ErrInvariant = errors.New("invariant violation")
)
