package creditledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotFound               = errors.New("creditledger: not found")
	ErrAlreadyExists          = errors.New("creditledger: already exists")
	ErrInvalidAmount          = errors.New("creditledger: invalid amount")
	ErrInvalidAccount         = errors.New("creditledger: invalid account")
	ErrInsufficientFunds      = errors.New("creditledger: insufficient funds")
	ErrInsufficientCredits    = errors.New("creditledger: insufficient credits")
	ErrQuotaExceeded          = errors.New("creditledger: quota exceeded")
	ErrOwnershipMismatch      = errors.New("creditledger: ownership mismatch")
	ErrAccountInactive        = errors.New("creditledger: account inactive")
	ErrExternalServiceFailure = errors.New("creditledger: external service failure")
	ErrReservationExpired     = errors.New("creditledger: reservation expired")
	ErrReservationResolved    = errors.New("creditledger: reservation already resolved")
	ErrNoGenerator            = errors.New("creditledger: no generator configured")
)

// LedgerError wraps an error with the operation and account it concerns.
type LedgerError struct {
	Op        string
	AccountID string
	Err       error
}

func (e *LedgerError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("creditledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("creditledger: %s account=%s: %v", e.Op, e.AccountID, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// GenerationError reports the outcome of a generation attempt that did not
// commit. State is the terminal reservation state, empty when no hold was made.
type GenerationError struct {
	Err           error
	AccountID     string
	ReservationID string
	Generator     string
	State         ReservationState
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("creditledger: generation account=%s reservation=%s generator=%s state=%s: %v",
		e.AccountID, e.ReservationID, e.Generator, e.State, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalServiceFailure) ||
		errors.Is(err, ErrReservationExpired)
}

// IsClientError returns true for errors caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrOwnershipMismatch) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrReservationResolved)
}

func wrap(op, accountID string, err error) error {
	if err == nil {
		return nil
	}
	return &LedgerError{Op: op, AccountID: accountID, Err: err}
}
