package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrAlreadyArmed      = errors.New("sequence already armed")
	ErrInvalidStep       = errors.New("invalid step")
	ErrSequenceComplete  = errors.New("sequence complete")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrInvalidPrice      = errors.New("realized price outside corridor")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)
