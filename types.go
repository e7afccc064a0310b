package creditledger

import "time"

// PlatformID is the id of the implicit root account. Every store creates it.
const PlatformID = "platform"

// AccountKind tags the variant of a ledger-bearing account.
type AccountKind string

const (
	KindPlatform AccountKind = "platform"
	KindPartner  AccountKind = "partner"
	KindClient   AccountKind = "client"
	KindEvent    AccountKind = "event"
	KindConsumer AccountKind = "consumer"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	switch k {
	case KindPlatform, KindPartner, KindClient, KindEvent, KindConsumer:
		return true
	}
	return false
}

// Account is a ledger-bearing entity in the Platform → Partner → Client → Event
// hierarchy, or a B2C consumer owned directly by Platform.
type Account struct {
	ID        string      `json:"id"`
	Kind      AccountKind `json:"kind"`
	ParentID  string      `json:"parent_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Balance   int64       `json:"balance"`
	Active    bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TxKind is the kind of a balance-changing event.
type TxKind string

const (
	TxTopUp            TxKind = "top_up"
	TxAllocate         TxKind = "allocate"
	TxReclaim          TxKind = "reclaim"
	TxReserve          TxKind = "reserve"
	TxCommit           TxKind = "commit"
	TxRelease          TxKind = "release"
	TxManualAdjustment TxKind = "manual_adjustment"
)

// Transaction is an immutable record of one balance change on one account.
// Summing Amount over an account's transactions in Seq order reproduces its
// balance: reserve rows carry -cost, commit rows 0 and release rows +cost.
type Transaction struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	AccountID      string    `json:"account_id"`
	CounterpartyID string    `json:"counterparty_account_id,omitempty"`
	Amount         int64     `json:"amount"`
	Kind           TxKind    `json:"kind"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Memo           string    `json:"memo,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TxSpec describes a balance change to apply.
//
// With CounterpartyID set to a real account the spec is a transfer of Amount
// from CounterpartyID to AccountID (Amount > 0) and yields two transactions.
// With CounterpartyID empty or PlatformID, Amount is applied to AccountID
// alone; a negative Amount is a debit.
type TxSpec struct {
	AccountID      string
	CounterpartyID string
	Amount         int64
	Kind           TxKind
	ReferenceID    string
	Memo           string
}

// IsTransfer reports whether the spec moves credits between two stored accounts.
func (s TxSpec) IsTransfer() bool {
	return s.CounterpartyID != "" && s.CounterpartyID != PlatformID
}

// ReservationState is the lifecycle state of a Reservation.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a hold against an account's balance for one in-flight
// generation attempt. It is resolved to committed or released exactly once.
type Reservation struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Amount      int64            `json:"amount"`
	State       ReservationState `json:"state"`
	ReferenceID string           `json:"reference_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// Expired reports whether a held reservation is past its expiry at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.State == ReservationHeld && !now.Before(r.ExpiresAt)
}

// ReserveSpec describes a hold to create.
//
// When UsageLimit is positive the store re-counts usage since UsageSince in
// the same atomic unit as the debit and fails with ErrQuotaExceeded once the
// limit is reached, so concurrent reservations cannot overshoot a daily cap.
type ReserveSpec struct {
	AccountID   string
	Amount      int64
	ReferenceID string
	TTL         time.Duration
	UsageSince  time.Time
	UsageLimit  int64
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	ParentID string
	Kind     AccountKind
	Active   *bool
	Limit    int
	Offset   int
}

// TxQuery selects a page of an account's transactions in Seq order.
type TxQuery struct {
	AccountID string
	Since     time.Time // inclusive lower bound on CreatedAt; zero means no bound
	AfterSeq  int64     // exclusive cursor
	Kinds     []TxKind
	Limit     int
}
