package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrSigningFailed    = errors.New("signing failed")
	ErrLockHeld         = errors.New("lock already held")
	ErrRiskRejected     = errors.New("risk rejected")
	ErrInsufficientData = errors.New("insufficient data")
	ErrFeedUnavailable  = errors.New("feed unavailable")
)
