package creditledger

import "time"

// Meter observes ledger events for monitoring/logging.
type Meter interface {
	// OnTransaction is called after an administrative balance change is applied.
	OnTransaction(event TransactionEvent)

	// OnReserve is called after a reservation attempt, successful or not.
	OnReserve(event ReserveEvent)

	// OnResolve is called when a reservation is committed or released.
	OnResolve(event ResolveEvent)

	// OnSweep is called after each expiry sweep pass.
	OnSweep(event SweepEvent)
}

// TransactionEvent describes a top-up, allocation, reclaim or adjustment.
type TransactionEvent struct {
	Kind           TxKind
	AccountID      string
	CounterpartyID string
	Amount         int64
	Error          error
}

// ReserveEvent describes a reservation attempt.
type ReserveEvent struct {
	AccountID     string
	ReservationID string
	Amount        int64
	QuotaDenied   bool
	Error         error
}

// ResolveEvent describes the terminal transition of a reservation.
type ResolveEvent struct {
	AccountID     string
	ReservationID string
	Generator     string
	Amount        int64
	State         ReservationState
	Duration      time.Duration
	Swept         bool
	Error         error
}

// SweepEvent describes one expiry sweep pass.
type SweepEvent struct {
	Expired  int
	Released int
	Duration time.Duration
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnTransaction(TransactionEvent) {}
func (m *noopMeter) OnReserve(ReserveEvent)         {}
func (m *noopMeter) OnResolve(ResolveEvent)         {}
func (m *noopMeter) OnSweep(SweepEvent)             {}
