package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/sqlite"
	"github.com/ineyio/creditledger/store/storetest"
)

func open(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cl.LedgerStore {
		return open(t, filepath.Join(t.TempDir(), "ledger.db"))
	})
}

func TestOpen_InMemory(t *testing.T) {
	s := open(t, ":memory:")

	acc, err := s.GetAccount(context.Background(), cl.PlatformID)
	require.NoError(t, err)
	assert.Equal(t, cl.KindPlatform, acc.Kind)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, cl.Account{ID: "P1", Kind: cl.KindPartner, ParentID: cl.PlatformID, Active: true})
	require.NoError(t, err)
	_, err = s.ApplyTransaction(ctx, cl.TxSpec{AccountID: "P1", Amount: 42, Kind: cl.TxTopUp})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, path)
	balance, err := s.GetBalance(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)

	txs, err := s.ListTransactions(ctx, cl.TxQuery{AccountID: "P1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, cl.TxTopUp, txs[0].Kind)
}
