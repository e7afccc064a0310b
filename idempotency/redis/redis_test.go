package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditledger/idempotency"
	idemredis "github.com/ineyio/creditledger/idempotency/redis"
)

func newTestStore(t *testing.T, opts ...idemredis.Option) (*idemredis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idemredis.New(client, opts...), mr
}

func TestBeginComplete(t *testing.T) {
	s, mr := newTestStore(t, idemredis.WithKeyPrefix("test:"))
	ctx := context.Background()
	h := idempotency.Hash([]byte(`{"amount":10}`))

	rec, err := s.Begin(ctx, "k1", h)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.True(t, mr.Exists("test:k1"))
	assert.Equal(t, "pending", mr.HGet("test:k1", "state"))

	_, err = s.Begin(ctx, "k1", h)
	require.ErrorIs(t, err, idempotency.ErrInProgress)

	_, err = s.Begin(ctx, "k1", idempotency.Hash([]byte(`{"amount":11}`)))
	require.ErrorIs(t, err, idempotency.ErrMismatch)

	require.NoError(t, s.Complete(ctx, "k1", 201, []byte(`{"id":"tx-1"}`)))

	rec, err = s.Begin(ctx, "k1", h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "k1", rec.Key)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"id":"tx-1"}`, string(rec.Body))
}

func TestAbort(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	h := idempotency.Hash([]byte("x"))

	_, err := s.Begin(ctx, "k1", h)
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, "k1"))
	assert.False(t, mr.Exists("creditledger:idem:k1"))

	rec, err := s.Begin(ctx, "k1", h)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTTL(t *testing.T) {
	s, mr := newTestStore(t, idemredis.WithTTL(time.Minute))
	ctx := context.Background()
	h := idempotency.Hash([]byte("x"))

	_, err := s.Begin(ctx, "k1", h)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "k1", 200, []byte("{}")))
	assert.Equal(t, time.Minute, mr.TTL("creditledger:idem:k1"))

	mr.FastForward(2 * time.Minute)
	rec, err := s.Begin(ctx, "k1", idempotency.Hash([]byte("y")))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCompleteUnknownKey(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Complete(context.Background(), "ghost", 200, []byte("{}")))
	assert.False(t, mr.Exists("creditledger:idem:ghost"))
}

func TestRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Begin(context.Background(), "k1", "h")
	require.Error(t, err)
	assert.NotErrorIs(t, err, idempotency.ErrInProgress)
}
