package creditledger

import (
	"context"
	"math"
	"time"
)

// LedgerStore is durable, transactional storage of accounts, transactions and
// reservations. Every mutating method executes as one atomic unit: the balance
// read, the balance write and the transaction insert either all happen or none do.
type LedgerStore interface {
	// CreateAccount inserts a new account with zero balance.
	CreateAccount(ctx context.Context, acc Account) (Account, error)

	// GetAccount returns an account by id or ErrNotFound.
	GetAccount(ctx context.Context, id string) (Account, error)

	// GetBalance returns the spendable balance of an account.
	GetBalance(ctx context.Context, id string) (int64, error)

	// ListAccounts returns accounts matching the filter ordered by creation.
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)

	// SetActive flips the active flag of an account.
	SetActive(ctx context.Context, id string, active bool) (Account, error)

	// SetParent changes the owner of an account. Ownership rules are checked by the caller.
	SetParent(ctx context.Context, id, parentID string) (Account, error)

	// ApplyTransaction applies a balance change and appends its transaction
	// rows: one for a single-account change, two for a transfer.
	ApplyTransaction(ctx context.Context, spec TxSpec) ([]Transaction, error)

	// Reserve debits the account by spec.Amount and records a held reservation.
	Reserve(ctx context.Context, spec ReserveSpec) (Reservation, Transaction, error)

	// Resolve moves a held reservation to committed or released. Resolving a
	// reservation that is not held returns ErrReservationResolved.
	Resolve(ctx context.Context, reservationID string, state ReservationState) (Reservation, Transaction, error)

	// GetReservation returns a reservation by id or ErrNotFound.
	GetReservation(ctx context.Context, id string) (Reservation, error)

	// ListExpired returns up to limit held reservations whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	// ListTransactions returns a page of transactions in Seq order.
	ListTransactions(ctx context.Context, q TxQuery) ([]Transaction, error)

	// CountUsage returns commit transactions plus still-held reservations
	// created for the account at or after since.
	CountUsage(ctx context.Context, accountID string, since time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// SchemaInitializer is implemented by stores that create their own schema.
type SchemaInitializer interface {
	EnsureSchema(ctx context.Context) error
}

// DefaultPageSize bounds ListTransactions when the query has no limit.
const DefaultPageSize = 100

// MaxPageSize is the largest page ListTransactions will return.
const MaxPageSize = 1000

// PageLimit normalizes a requested page size.
func PageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// ValidateSpec checks the shape of a TxSpec before it reaches a store.
func ValidateSpec(spec TxSpec) error {
	if spec.AccountID == "" {
		return ErrInvalidAccount
	}
	if spec.AccountID == PlatformID {
		return ErrInvalidAccount
	}
	if spec.Amount == 0 {
		return ErrInvalidAmount
	}
	if spec.IsTransfer() {
		if spec.Amount < 0 || spec.CounterpartyID == spec.AccountID {
			return ErrInvalidAmount
		}
	}
	switch spec.Kind {
	case TxAllocate, TxReclaim:
		// Platform credit enters only through top-ups and adjustments.
		if !spec.IsTransfer() {
			return ErrInvalidAccount
		}
	case TxTopUp:
		if spec.Amount < 0 || spec.IsTransfer() {
			return ErrInvalidAmount
		}
	case TxManualAdjustment:
		if spec.IsTransfer() {
			return ErrInvalidAmount
		}
	default:
		// reserve/commit/release only come from Reserve and Resolve.
		return ErrInvalidAmount
	}
	return nil
}

// CheckActive enforces the activity rules for spec. acc is the account named
// by spec.AccountID and src the transfer source, nil when spec is not a
// transfer. Credits may never flow into an inactive account; a reclaim may
// drain an inactive child. Manual adjustments are exempt.
func CheckActive(spec TxSpec, acc Account, src *Account) error {
	if spec.Kind == TxManualAdjustment {
		return nil
	}
	if !acc.Active {
		return ErrAccountInactive
	}
	if src != nil && !src.Active && spec.Kind != TxReclaim {
		return ErrAccountInactive
	}
	return nil
}

// CheckCredit rejects crediting amount to balance when the result would not
// fit in an int64. Negative amounts are debits and always pass.
func CheckCredit(balance, amount int64) error {
	if amount > 0 && balance > math.MaxInt64-amount {
		return ErrInvalidAmount
	}
	return nil
}
