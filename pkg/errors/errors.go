package errors

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient pack balance")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrPurchaseNotActive   = errors.New("purchase is not active")
	ErrDuplicatePayment    = errors.New("payment already recorded")
	ErrIdempotencyNotFound = errors.New("idempotency record not found")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrInternal            = errors.New("internal error")
)
