package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrLockHeld           = errors.New("lock already held")
	ErrValidation         = errors.New("validation failed")
	ErrVerificationFailed = errors.New("deposit verification failed")
	ErrAlreadyProcessed   = errors.New("transaction signature already processed")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrLobbyNotOpen       = errors.New("lobby is not open")
	ErrConflict           = errors.New("conflicting concurrent write")
)
