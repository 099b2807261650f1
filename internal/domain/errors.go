package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrPlanRequired        = errors.New("plan subscription required")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with mismatched payload")
	ErrPersistence         = errors.New("persistence failure")
)
