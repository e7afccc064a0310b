package meter

import (
	"log/slog"

	"github.com/ineyio/creditledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnTransaction(e creditledger.TransactionEvent) {
	if e.Error != nil {
		m.Logger.Warn("transaction_error",
			"kind", e.Kind,
			"account", e.AccountID,
			"counterparty", e.CounterpartyID,
			"amount", e.Amount,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("transaction",
		"kind", e.Kind,
		"account", e.AccountID,
		"counterparty", e.CounterpartyID,
		"amount", e.Amount,
	)
}

func (m *LogMeter) OnReserve(e creditledger.ReserveEvent) {
	switch {
	case e.QuotaDenied:
		m.Logger.Info("reserve_denied",
			"account", e.AccountID,
			"reason", creditledger.DenyDailyLimit,
		)
	case e.Error != nil:
		m.Logger.Warn("reserve_error",
			"account", e.AccountID,
			"amount", e.Amount,
			"error", e.Error,
		)
	default:
		m.Logger.Info("reserve",
			"account", e.AccountID,
			"reservation", e.ReservationID,
			"amount", e.Amount,
		)
	}
}

func (m *LogMeter) OnResolve(e creditledger.ResolveEvent) {
	if e.Error != nil {
		m.Logger.Error("resolve_error",
			"account", e.AccountID,
			"reservation", e.ReservationID,
			"state", e.State,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("resolve",
		"account", e.AccountID,
		"reservation", e.ReservationID,
		"generator", e.Generator,
		"state", e.State,
		"amount", e.Amount,
		"swept", e.Swept,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnSweep(e creditledger.SweepEvent) {
	if e.Error != nil {
		m.Logger.Error("sweep_error",
			"expired", e.Expired,
			"released", e.Released,
			"error", e.Error,
		)
		return
	}
	if e.Expired == 0 {
		m.Logger.Debug("sweep", "duration_ms", e.Duration.Milliseconds())
		return
	}
	m.Logger.Info("sweep",
		"expired", e.Expired,
		"released", e.Released,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
