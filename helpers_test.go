package creditledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/store/memory"
)

// fakeClock is a settable time source shared by the store and the broker.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx    context.Context
	clock  *fakeClock
	store  *memory.Store
	engine *cl.AllocationEngine
	broker *cl.GenerationBroker
	audit  *cl.AuditLog
}

func newFixture(t *testing.T, opts ...cl.BrokerOption) *fixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))

	opts = append([]cl.BrokerOption{
		cl.WithClock(clock.Now),
		cl.WithMeter(&meter.NoopMeter{}),
	}, opts...)
	broker, err := cl.NewGenerationBroker(store, opts...)
	require.NoError(t, err)

	return &fixture{
		ctx:    context.Background(),
		clock:  clock,
		store:  store,
		engine: cl.NewAllocationEngine(store),
		broker: broker,
		audit:  cl.NewAuditLog(store),
	}
}

func (f *fixture) account(t *testing.T, id string, kind cl.AccountKind, parentID string) cl.Account {
	t.Helper()
	acc, err := f.engine.CreateAccount(f.ctx, cl.Account{ID: id, Kind: kind, ParentID: parentID})
	require.NoError(t, err)
	return acc
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.store.GetBalance(f.ctx, id)
	require.NoError(t, err)
	return b
}

// hierarchy builds partner P1 (1000) -> client C1 (200) -> event E1 (50).
func (f *fixture) hierarchy(t *testing.T) {
	t.Helper()
	f.account(t, "P1", cl.KindPartner, cl.PlatformID)
	f.account(t, "C1", cl.KindClient, "P1")
	f.account(t, "E1", cl.KindEvent, "C1")

	_, err := f.engine.TopUp(f.ctx, "P1", 1000, "seed")
	require.NoError(t, err)
	_, err = f.engine.Allocate(f.ctx, "P1", "C1", 200)
	require.NoError(t, err)
	_, err = f.engine.Allocate(f.ctx, "C1", "E1", 50)
	require.NoError(t, err)
}

func (f *fixture) requireConsistent(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		r, err := f.audit.Reconcile(f.ctx, id)
		require.NoError(t, err)
		require.Truef(t, r.Consistent, "account %s: balance %d, replayed %d", id, r.Balance, r.Replayed)
	}
}
