package meter

import "github.com/ineyio/creditledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnTransaction(creditledger.TransactionEvent) {}
func (m *NoopMeter) OnReserve(creditledger.ReserveEvent)         {}
func (m *NoopMeter) OnResolve(creditledger.ResolveEvent)         {}
func (m *NoopMeter) OnSweep(creditledger.SweepEvent)             {}
