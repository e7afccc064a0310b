// Package storetest is a conformance suite every LedgerStore must pass.
package storetest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
)

// Factory returns an empty store holding only the platform account. The
// store must use the wall clock.
type Factory func(t *testing.T) cl.LedgerStore

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("ListAccounts", func(t *testing.T) { testListAccounts(t, newStore(t)) })
	t.Run("ApplySingle", func(t *testing.T) { testApplySingle(t, newStore(t)) })
	t.Run("ApplyTransfer", func(t *testing.T) { testApplyTransfer(t, newStore(t)) })
	t.Run("ApplyInactive", func(t *testing.T) { testApplyInactive(t, newStore(t)) })
	t.Run("BalanceOverflow", func(t *testing.T) { testBalanceOverflow(t, newStore(t)) })
	t.Run("ReserveResolve", func(t *testing.T) { testReserveResolve(t, newStore(t)) })
	t.Run("ReserveUsageLimit", func(t *testing.T) { testReserveUsageLimit(t, newStore(t)) })
	t.Run("ListExpired", func(t *testing.T) { testListExpired(t, newStore(t)) })
	t.Run("ListTransactions", func(t *testing.T) { testListTransactions(t, newStore(t)) })
	t.Run("ConcurrentTransfers", func(t *testing.T) { testConcurrentTransfers(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
}

func create(t *testing.T, s cl.LedgerStore, id string, kind cl.AccountKind, parentID string) {
	t.Helper()
	_, err := s.CreateAccount(context.Background(), cl.Account{ID: id, Kind: kind, ParentID: parentID, Active: true})
	require.NoError(t, err)
}

func fund(t *testing.T, s cl.LedgerStore, id string, amount int64) {
	t.Helper()
	_, err := s.ApplyTransaction(context.Background(), cl.TxSpec{
		AccountID: id, CounterpartyID: cl.PlatformID, Amount: amount, Kind: cl.TxTopUp,
	})
	require.NoError(t, err)
}

func balance(t *testing.T, s cl.LedgerStore, id string) int64 {
	t.Helper()
	b, err := s.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func testAccounts(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	platform, err := s.GetAccount(ctx, cl.PlatformID)
	require.NoError(t, err)
	assert.Equal(t, cl.KindPlatform, platform.Kind)
	assert.True(t, platform.Active)

	acc, err := s.CreateAccount(ctx, cl.Account{ID: "P1", Kind: cl.KindPartner, ParentID: cl.PlatformID, Name: "Acme", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "P1", acc.ID)
	assert.Equal(t, "Acme", acc.Name)
	assert.Zero(t, acc.Balance)
	assert.False(t, acc.CreatedAt.IsZero())

	_, err = s.CreateAccount(ctx, cl.Account{ID: "P1", Kind: cl.KindPartner, Active: true})
	require.ErrorIs(t, err, cl.ErrAlreadyExists)

	_, err = s.CreateAccount(ctx, cl.Account{ID: "C1", Kind: cl.KindClient, ParentID: "missing", Active: true})
	require.ErrorIs(t, err, cl.ErrNotFound)

	_, err = s.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, cl.ErrNotFound)
	_, err = s.GetBalance(ctx, "missing")
	require.ErrorIs(t, err, cl.ErrNotFound)

	acc, err = s.SetActive(ctx, "P1", false)
	require.NoError(t, err)
	assert.False(t, acc.Active)
	_, err = s.SetActive(ctx, "missing", false)
	require.ErrorIs(t, err, cl.ErrNotFound)

	create(t, s, "C1", cl.KindClient, "P1")
	acc, err = s.SetParent(ctx, "C1", "")
	require.NoError(t, err)
	assert.Empty(t, acc.ParentID)
	acc, err = s.SetParent(ctx, "C1", "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", acc.ParentID)
	_, err = s.SetParent(ctx, "C1", "missing")
	require.ErrorIs(t, err, cl.ErrNotFound)
	_, err = s.SetParent(ctx, "missing", "P1")
	require.ErrorIs(t, err, cl.ErrNotFound)
}

func testListAccounts(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")
	create(t, s, "C2", cl.KindClient, "P1")
	create(t, s, "E1", cl.KindEvent, "C1")
	_, err := s.SetActive(ctx, "C2", false)
	require.NoError(t, err)

	kids, err := s.ListAccounts(ctx, cl.AccountFilter{ParentID: "P1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C1", "C2"}, ids(kids))

	events, err := s.ListAccounts(ctx, cl.AccountFilter{Kind: cl.KindEvent})
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, ids(events))

	active := true
	live, err := s.ListAccounts(ctx, cl.AccountFilter{ParentID: "P1", Active: &active})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, ids(live))

	all, err := s.ListAccounts(ctx, cl.AccountFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	first, err := s.ListAccounts(ctx, cl.AccountFilter{Limit: 2})
	require.NoError(t, err)
	rest, err := s.ListAccounts(ctx, cl.AccountFilter{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Len(t, rest, 3)
	assert.ElementsMatch(t, ids(all), append(ids(first), ids(rest)...))
}

func ids(accs []cl.Account) []string {
	out := make([]string, 0, len(accs))
	for _, a := range accs {
		out = append(out, a.ID)
	}
	return out
}

func testApplySingle(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)

	txs, err := s.ApplyTransaction(ctx, cl.TxSpec{
		AccountID: "P1", CounterpartyID: cl.PlatformID, Amount: 100, Kind: cl.TxTopUp,
		ReferenceID: "invoice-7", Memo: "card payment",
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "P1", txs[0].AccountID)
	assert.Equal(t, cl.PlatformID, txs[0].CounterpartyID)
	assert.Equal(t, int64(100), txs[0].Amount)
	assert.Equal(t, "invoice-7", txs[0].ReferenceID)
	assert.Equal(t, "card payment", txs[0].Memo)
	assert.NotEmpty(t, txs[0].ID)
	assert.Positive(t, txs[0].Seq)

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "P1", Amount: -101, Kind: cl.TxManualAdjustment})
	require.ErrorIs(t, err, cl.ErrInsufficientFunds)
	assert.Equal(t, int64(100), balance(t, s, "P1"))

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "P1", Amount: -100, Kind: cl.TxManualAdjustment})
	require.NoError(t, err)
	assert.Zero(t, balance(t, s, "P1"))

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "missing", Amount: 1, Kind: cl.TxTopUp})
	require.ErrorIs(t, err, cl.ErrNotFound)

	for _, spec := range []cl.TxSpec{
		{AccountID: "P1", Amount: 0, Kind: cl.TxTopUp},
		{AccountID: "P1", Amount: -1, Kind: cl.TxTopUp},
		{AccountID: "P1", Amount: 1, Kind: cl.TxReserve},
		{AccountID: cl.PlatformID, Amount: 1, Kind: cl.TxTopUp},
		{AccountID: "P1", Amount: 1, Kind: cl.TxAllocate},
	} {
		_, err := s.ApplyTransaction(ctx, spec)
		require.Error(t, err, "%+v", spec)
	}
}

func testApplyTransfer(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")
	fund(t, s, "P1", 100)

	txs, err := s.ApplyTransaction(ctx, cl.TxSpec{
		AccountID: "C1", CounterpartyID: "P1", Amount: 40, Kind: cl.TxAllocate, ReferenceID: "ref-1",
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "P1", txs[0].AccountID)
	assert.Equal(t, int64(-40), txs[0].Amount)
	assert.Equal(t, "C1", txs[0].CounterpartyID)
	assert.Equal(t, "C1", txs[1].AccountID)
	assert.Equal(t, int64(40), txs[1].Amount)
	assert.Equal(t, "P1", txs[1].CounterpartyID)
	assert.Equal(t, "ref-1", txs[1].ReferenceID)
	assert.Less(t, txs[0].Seq, txs[1].Seq)

	assert.Equal(t, int64(60), balance(t, s, "P1"))
	assert.Equal(t, int64(40), balance(t, s, "C1"))

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: 61, Kind: cl.TxAllocate})
	require.ErrorIs(t, err, cl.ErrInsufficientFunds)
	assert.Equal(t, int64(60), balance(t, s, "P1"))
	assert.Equal(t, int64(40), balance(t, s, "C1"))

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "missing", Amount: 1, Kind: cl.TxAllocate})
	require.ErrorIs(t, err, cl.ErrNotFound)

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "C1", Amount: 1, Kind: cl.TxAllocate})
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
}

func testApplyInactive(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")
	fund(t, s, "P1", 100)
	_, err := s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: 50, Kind: cl.TxAllocate})
	require.NoError(t, err)
	_, err = s.SetActive(ctx, "C1", false)
	require.NoError(t, err)

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: 1, Kind: cl.TxAllocate})
	require.ErrorIs(t, err, cl.ErrAccountInactive)
	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", Amount: 1, Kind: cl.TxTopUp})
	require.ErrorIs(t, err, cl.ErrAccountInactive)

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "P1", CounterpartyID: "C1", Amount: 50, Kind: cl.TxReclaim})
	require.NoError(t, err)
	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", Amount: 3, Kind: cl.TxManualAdjustment})
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance(t, s, "C1"))
	assert.Equal(t, int64(100), balance(t, s, "P1"))
}

func testBalanceOverflow(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")

	fund(t, s, "P1", math.MaxInt64)
	_, err := s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: math.MaxInt64, Kind: cl.TxAllocate})
	require.NoError(t, err)
	fund(t, s, "P1", math.MaxInt64)

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: math.MaxInt64, Kind: cl.TxAllocate})
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: cl.PlatformID, Amount: 1, Kind: cl.TxTopUp})
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: cl.PlatformID, Amount: 1, Kind: cl.TxManualAdjustment})
	require.ErrorIs(t, err, cl.ErrInvalidAmount)

	acc, err := s.GetAccount(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), acc.Balance)
	assert.Equal(t, int64(math.MaxInt64), balance(t, s, "P1"))

	// A release that would overflow leaves the hold in place.
	res, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "C1", Amount: 1})
	require.NoError(t, err)
	fund(t, s, "C1", 1)
	_, _, err = s.Resolve(ctx, res.ID, cl.ReservationReleased)
	require.ErrorIs(t, err, cl.ErrInvalidAmount)

	got, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, cl.ReservationHeld, got.State)
	assert.Equal(t, int64(math.MaxInt64), balance(t, s, "C1"))

	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: cl.PlatformID, Amount: -1, Kind: cl.TxManualAdjustment})
	require.NoError(t, err)
	_, _, err = s.Resolve(ctx, res.ID, cl.ReservationReleased)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balance(t, s, "C1"))

	txs, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "C1", Limit: cl.MaxPageSize})
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Equal(t, int64(math.MaxInt64), sum)
}

func testReserveResolve(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "E1", cl.KindEvent, "P1")
	fund(t, s, "E1", 2)

	res, tx, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1, ReferenceID: "shot-1", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, cl.ReservationHeld, res.State)
	assert.Equal(t, "shot-1", res.ReferenceID)
	assert.WithinDuration(t, res.CreatedAt.Add(time.Minute), res.ExpiresAt, time.Millisecond)
	assert.Equal(t, cl.TxReserve, tx.Kind)
	assert.Equal(t, int64(-1), tx.Amount)
	assert.Equal(t, res.ID, tx.ReferenceID)
	assert.Equal(t, int64(1), balance(t, s, "E1"))

	got, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, cl.ReservationHeld, got.State)
	assert.Nil(t, got.ResolvedAt)

	reserveSeq := tx.Seq
	resolved, tx, err := s.Resolve(ctx, res.ID, cl.ReservationCommitted)
	require.NoError(t, err)
	assert.Equal(t, cl.ReservationCommitted, resolved.State)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, cl.TxCommit, tx.Kind)
	assert.Zero(t, tx.Amount)
	assert.Equal(t, int64(1), balance(t, s, "E1"))

	// Paging past the reserve row yields the commit row.
	page, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "E1", AfterSeq: reserveSeq, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, tx.ID, page[0].ID)
	assert.Greater(t, tx.Seq, reserveSeq)

	_, _, err = s.Resolve(ctx, res.ID, cl.ReservationReleased)
	require.ErrorIs(t, err, cl.ErrReservationResolved)
	_, _, err = s.Resolve(ctx, res.ID, cl.ReservationCommitted)
	require.ErrorIs(t, err, cl.ErrReservationResolved)

	res2, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1})
	require.NoError(t, err)
	_, _, err = s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1})
	require.ErrorIs(t, err, cl.ErrInsufficientCredits)

	_, tx, err = s.Resolve(ctx, res2.ID, cl.ReservationReleased)
	require.NoError(t, err)
	assert.Equal(t, cl.TxRelease, tx.Kind)
	assert.Equal(t, int64(1), tx.Amount)
	assert.Equal(t, int64(1), balance(t, s, "E1"))

	_, _, err = s.Resolve(ctx, "missing", cl.ReservationReleased)
	require.ErrorIs(t, err, cl.ErrNotFound)
	_, _, err = s.Resolve(ctx, res2.ID, cl.ReservationHeld)
	require.Error(t, err)
	_, err = s.GetReservation(ctx, "missing")
	require.ErrorIs(t, err, cl.ErrNotFound)

	_, _, err = s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 0})
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	_, _, err = s.Reserve(ctx, cl.ReserveSpec{AccountID: "missing", Amount: 1})
	require.ErrorIs(t, err, cl.ErrNotFound)
	_, _, err = s.Reserve(ctx, cl.ReserveSpec{AccountID: cl.PlatformID, Amount: 1})
	require.ErrorIs(t, err, cl.ErrNotFound)

	_, err = s.SetActive(ctx, "E1", false)
	require.NoError(t, err)
	_, _, err = s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1})
	require.ErrorIs(t, err, cl.ErrAccountInactive)
}

func testReserveUsageLimit(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "U", cl.KindConsumer, cl.PlatformID)
	fund(t, s, "U", 10)
	since := time.Now().Add(-time.Hour)

	spec := cl.ReserveSpec{AccountID: "U", Amount: 1, UsageSince: since, UsageLimit: 2}
	first, _, err := s.Reserve(ctx, spec)
	require.NoError(t, err)
	second, _, err := s.Reserve(ctx, spec)
	require.NoError(t, err)
	_, _, err = s.Reserve(ctx, spec)
	require.ErrorIs(t, err, cl.ErrQuotaExceeded)

	used, err := s.CountUsage(ctx, "U", since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)

	_, _, err = s.Resolve(ctx, first.ID, cl.ReservationReleased)
	require.NoError(t, err)
	_, _, err = s.Resolve(ctx, second.ID, cl.ReservationCommitted)
	require.NoError(t, err)

	used, err = s.CountUsage(ctx, "U", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)

	used, err = s.CountUsage(ctx, "U", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, used)

	_, _, err = s.Reserve(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance(t, s, "U"))

	_, err = s.CountUsage(ctx, "missing", since)
	require.ErrorIs(t, err, cl.ErrNotFound)
}

func testListExpired(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "E1", cl.KindEvent, "P1")
	fund(t, s, "E1", 10)

	short, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1, TTL: time.Minute})
	require.NoError(t, err)
	long, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1, TTL: time.Hour})
	require.NoError(t, err)
	done, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "E1", Amount: 1, TTL: time.Minute})
	require.NoError(t, err)
	_, _, err = s.Resolve(ctx, done.ID, cl.ReservationCommitted)
	require.NoError(t, err)

	expired, err := s.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)

	expired, err = s.ListExpired(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, short.ID, expired[0].ID)
	assert.Equal(t, long.ID, expired[1].ID)

	expired, err = s.ListExpired(ctx, time.Now().Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func testListTransactions(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")
	fund(t, s, "P1", 100)
	for range 4 {
		_, err := s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "C1", CounterpartyID: "P1", Amount: 5, Kind: cl.TxAllocate})
		require.NoError(t, err)
	}

	all, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "P1"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, cl.TxTopUp, all[0].Kind)
	var sum int64
	for i, tx := range all {
		assert.Equal(t, "P1", tx.AccountID)
		if i > 0 {
			assert.Greater(t, tx.Seq, all[i-1].Seq)
		}
		sum += tx.Amount
	}
	assert.Equal(t, balance(t, s, "P1"), sum)

	page, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "P1", AfterSeq: all[1].Seq, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].Seq, page[0].Seq)
	assert.Equal(t, all[3].Seq, page[1].Seq)

	allocs, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "P1", Kinds: []cl.TxKind{cl.TxAllocate}})
	require.NoError(t, err)
	assert.Len(t, allocs, 4)

	future, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "P1", Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)

	none, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentTransfers(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "P1", cl.KindPartner, cl.PlatformID)
	create(t, s, "C1", cl.KindClient, "P1")
	create(t, s, "C2", cl.KindClient, "P1")
	fund(t, s, "P1", 50)

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := range 60 {
		wg.Add(1)
		go func(child string) {
			defer wg.Done()
			_, err := s.ApplyTransaction(ctx, cl.TxSpec{AccountID: child, CounterpartyID: "P1", Amount: 1, Kind: cl.TxAllocate})
			errs <- err
		}([]string{"C1", "C2"}[i%2])
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, errors.Is(err, cl.ErrInsufficientFunds), "unexpected error: %v", err)
	}
	assert.Equal(t, 50, ok)
	assert.Zero(t, balance(t, s, "P1"))
	assert.Equal(t, int64(50), balance(t, s, "C1")+balance(t, s, "C2"))
}

func testConcurrentReserve(t *testing.T, s cl.LedgerStore) {
	ctx := context.Background()
	create(t, s, "U", cl.KindConsumer, cl.PlatformID)
	fund(t, s, "U", 100)
	since := time.Now().Add(-time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Reserve(ctx, cl.ReserveSpec{AccountID: "U", Amount: 1, UsageSince: since, UsageLimit: 3})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, int64(97), balance(t, s, "U"))
}
