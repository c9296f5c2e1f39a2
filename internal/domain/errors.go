package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrStatusConflict = errors.New("status changed concurrently")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrInvalidConfidence = errors.New("confidence must be within 0-100")
	ErrClaimWindowOpen   = errors.New("claim window still open")
	ErrMarketCanceled    = errors.New("market canceled")

	ErrMissingSettlementTarget    = errors.New("missing settlement target")
	ErrLedgerTimeout              = errors.New("ledger call timed out")
	ErrLedgerReverted             = errors.New("ledger call reverted")
	ErrLedgerUnavailable          = errors.New("ledger unavailable")
	ErrOracleUnavailable          = errors.New("oracle unavailable")
	ErrDuplicateSettlementAttempt = errors.New("duplicate settlement attempt")

	ErrBondInsufficientFunds  = errors.New("insufficient funds for bond")
	ErrBondAlreadySettled     = errors.New("bond already settled")
	ErrDuplicateActiveDispute = errors.New("duplicate active dispute")
	ErrDisputeWindowClosed    = errors.New("dispute window closed")
	ErrMarketNotDisputable    = errors.New("market not disputable")
	ErrDisputeAlreadyResolved = errors.New("dispute already resolved")
)

// RejectionError carries the typed reason a dispute submission was refused.
type RejectionError struct {
	Reason RejectionReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("dispute rejected: %s", e.Reason)
}

// Unwrap maps each reason onto its sentinel so errors.Is works on both.
func (e *RejectionError) Unwrap() error {
	switch e.Reason {
	case RejectInsufficientBond:
		return ErrBondInsufficientFunds
	case RejectDuplicateActive:
		return ErrDuplicateActiveDispute
	case RejectWindowClosed:
		return ErrDisputeWindowClosed
	case RejectMarketNotDisputable:
		return ErrMarketNotDisputable
	}
	return nil
}

// IsTransient reports whether err should be retried by the resolution queue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLedgerTimeout) ||
		errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrOracleUnavailable)
}

// FailureTag is the short reason recorded on audit entries.
func FailureTag(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingSettlementTarget):
		return "missing_settlement_target"
	case errors.Is(err, ErrLedgerTimeout):
		return "ledger_timeout"
	case errors.Is(err, ErrLedgerReverted):
		return "ledger_reverted"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrDuplicateSettlementAttempt):
		return "duplicate_settlement"
	case errors.Is(err, ErrStatusConflict):
		return "status_conflict"
	}
	return "internal"
}
