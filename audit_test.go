package creditledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/generator/mock"
)

func TestTransactions_Pagination(t *testing.T) {
	f := newFixture(t)
	f.hierarchy(t)
	for range 7 {
		_, err := f.engine.Allocate(f.ctx, "C1", "E1", 1)
		require.NoError(t, err)
	}

	// E1 holds the initial allocation plus seven more.
	var seen []int64
	q := cl.TxQuery{AccountID: "E1", Limit: 3}
	for {
		page, err := f.audit.Transactions(f.ctx, q)
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			seen = append(seen, tx.Seq)
		}
		if page.NextCursor == 0 {
			break
		}
		q.AfterSeq = page.NextCursor
	}
	require.Len(t, seen, 8)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}

	var iterated []int64
	for tx, err := range f.audit.All(f.ctx, cl.TxQuery{AccountID: "E1", Limit: 2}) {
		require.NoError(t, err)
		iterated = append(iterated, tx.Seq)
	}
	assert.Equal(t, seen, iterated)
}

func TestTransactions_Filters(t *testing.T) {
	f := newFixture(t, cl.WithGenerator(mock.New()))
	f.hierarchy(t)
	since := f.clock.Now()

	f.clock.Advance(time.Hour)
	_, err := f.broker.Generate(f.ctx, cl.GenerationRequest{AccountID: "E1", ReferenceID: "shot-1"})
	require.NoError(t, err)

	page, err := f.audit.Transactions(f.ctx, cl.TxQuery{AccountID: "E1", Since: since.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, cl.TxReserve, page.Transactions[0].Kind)
	assert.Equal(t, int64(-1), page.Transactions[0].Amount)
	assert.Equal(t, cl.TxCommit, page.Transactions[1].Kind)
	assert.Equal(t, page.Transactions[0].ReferenceID, page.Transactions[1].ReferenceID)
	assert.Zero(t, page.NextCursor)

	page, err = f.audit.Transactions(f.ctx, cl.TxQuery{AccountID: "E1", Kinds: []cl.TxKind{cl.TxAllocate}})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, int64(50), page.Transactions[0].Amount)

	_, err = f.audit.Transactions(f.ctx, cl.TxQuery{AccountID: "ghost"})
	require.ErrorIs(t, err, cl.ErrNotFound)
	_, err = f.audit.Transactions(f.ctx, cl.TxQuery{})
	require.ErrorIs(t, err, cl.ErrInvalidAccount)
}

func TestAll_StopsEarly(t *testing.T) {
	f := newFixture(t)
	f.hierarchy(t)

	n := 0
	for _, err := range f.audit.All(f.ctx, cl.TxQuery{AccountID: "P1", Limit: 1}) {
		require.NoError(t, err)
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, 1, n)

	for _, err := range f.audit.All(f.ctx, cl.TxQuery{AccountID: "ghost"}) {
		require.ErrorIs(t, err, cl.ErrNotFound)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, cl.WithGenerator(mock.New()))
	f.hierarchy(t)
	_, err := f.broker.Generate(f.ctx, cl.GenerationRequest{AccountID: "E1"})
	require.NoError(t, err)
	_, err = f.broker.Reserve(f.ctx, "E1", "")
	require.NoError(t, err)
	_, err = f.engine.Reclaim(f.ctx, "C1", "E1", 10)
	require.NoError(t, err)

	r, err := f.audit.Reconcile(f.ctx, "E1")
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Equal(t, int64(38), r.Balance)
	assert.Equal(t, int64(38), r.Replayed)
	assert.Equal(t, 5, r.Transactions)

	_, err = f.audit.Reconcile(f.ctx, "ghost")
	require.ErrorIs(t, err, cl.ErrNotFound)
}

func TestConservation(t *testing.T) {
	f := newFixture(t, cl.WithGenerator(mock.New()))
	f.hierarchy(t)
	f.account(t, "E2", cl.KindEvent, "P1")
	_, err := f.engine.Allocate(f.ctx, "P1", "E2", 30)
	require.NoError(t, err)

	for range 3 {
		_, err := f.broker.Generate(f.ctx, cl.GenerationRequest{AccountID: "E1"})
		require.NoError(t, err)
	}
	_, err = f.broker.Reserve(f.ctx, "E2", "")
	require.NoError(t, err)
	released, err := f.broker.Reserve(f.ctx, "E2", "")
	require.NoError(t, err)
	_, err = f.broker.Release(f.ctx, released.ID)
	require.NoError(t, err)
	_, err = f.engine.Adjust(f.ctx, "C1", 5, "goodwill")
	require.NoError(t, err)

	f.account(t, "U", cl.KindConsumer, "")
	_, err = f.engine.TopUp(f.ctx, "U", 4, "")
	require.NoError(t, err)

	whole, err := f.audit.Conservation(f.ctx, cl.PlatformID)
	require.NoError(t, err)
	assert.True(t, whole.Balanced, "%+v", whole)
	assert.Equal(t, int64(1009), whole.Issued)
	assert.Equal(t, int64(3), whole.Consumed)
	assert.Equal(t, int64(1), whole.Held)
	assert.Equal(t, int64(1005), whole.Balances)
	assert.Equal(t, 6, whole.Accounts)

	// Client subtree: 200 allocated in, 5 adjusted, 3 consumed by E1.
	client, err := f.audit.Conservation(f.ctx, "C1")
	require.NoError(t, err)
	assert.True(t, client.Balanced, "%+v", client)
	assert.Equal(t, int64(205), client.Issued)
	assert.Equal(t, int64(3), client.Consumed)
	assert.Equal(t, 2, client.Accounts)

	// Detached partners are still part of the whole ledger.
	_, err = f.engine.Reassign(f.ctx, "P1", "")
	require.NoError(t, err)
	whole, err = f.audit.Conservation(f.ctx, cl.PlatformID)
	require.NoError(t, err)
	assert.True(t, whole.Balanced, "%+v", whole)
	assert.Equal(t, 6, whole.Accounts)

	_, err = f.audit.Conservation(f.ctx, "ghost")
	require.ErrorIs(t, err, cl.ErrNotFound)
}
