package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected marks a write the ledger refused (stale stage, duplicate key, invalid proof).
	// Such writes did not happen and are never retried.
	ErrRejected = errors.New("rejected by ledger")

	// ErrProtocolViolation marks an action refused locally before reaching the ledger.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNoCommitment is returned when a reveal has no locally owned commitment behind it.
	ErrNoCommitment = errors.New("no commitment owned for subject")

	// ErrInvalidThreshold is returned for a selection threshold that selects everyone or no one.
	ErrInvalidThreshold = errors.New("invalid selection threshold")
)

// Rejected wraps a ledger refusal of op so callers can match it with errors.Is(err, ErrRejected).
func Rejected(op string, reason string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrRejected, reason)
}

// IsRejected reports whether err is a ledger rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
