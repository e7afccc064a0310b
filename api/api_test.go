package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/api"
	"github.com/ineyio/creditledger/generator/mock"
	"github.com/ineyio/creditledger/idempotency"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type server struct {
	t     *testing.T
	h     http.Handler
	clock *clock
	gen   *mock.Generator
}

func newServer(t *testing.T, genOpts ...mock.Option) *server {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(c.Now))
	gen := mock.New(genOpts...)

	broker, err := cl.NewGenerationBroker(store,
		cl.WithClock(c.Now),
		cl.WithGenerator(gen),
		cl.WithMeter(&meter.NoopMeter{}),
		cl.WithTimeout(time.Second),
		cl.WithReservationTTL(2*time.Minute),
	)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Store:        store,
		Engine:       cl.NewAllocationEngine(store),
		Broker:       broker,
		Audit:        cl.NewAuditLog(store),
		Idempotency:  idempotency.NewMemoryStore(time.Hour),
		Gatherer:     prometheus.NewRegistry(),
		MaxBodyBytes: 1 << 16,
	})
	require.NoError(t, err)
	return &server{t: t, h: h, clock: c, gen: gen}
}

func (s *server) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// hierarchy creates P1 -> C1 -> E1 with 100 credits on P1, 40 on C1 and 10 on E1.
func (s *server) hierarchy() {
	s.t.Helper()
	for _, a := range []map[string]string{
		{"id": "P1", "kind": "partner"},
		{"id": "C1", "kind": "client", "parent_id": "P1"},
		{"id": "E1", "kind": "event", "parent_id": "C1"},
	} {
		rec := s.do(http.MethodPost, "/accounts", a)
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := s.do(http.MethodPost, "/accounts/P1/topup", map[string]any{"amount": 100})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/accounts/P1/allocate", map[string]any{"child_id": "C1", "amount": 40})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/accounts/C1/allocate", map[string]any{"child_id": "E1", "amount": 10})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *server) balance(id string) int64 {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/accounts/"+id+"/balance", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var b struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b.Balance
}

func TestCreateAccount(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/accounts", map[string]string{"id": "P1", "kind": "partner", "name": "Acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/accounts/P1", rec.Header().Get("Location"))

	acc := decodeBody[cl.Account](t, rec)
	assert.Equal(t, "P1", acc.ID)
	assert.Equal(t, cl.KindPartner, acc.Kind)
	assert.True(t, acc.Active)
	assert.Zero(t, acc.Balance)

	rec = s.do(http.MethodPost, "/accounts", map[string]string{"id": "P1", "kind": "partner"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exists", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/accounts", map[string]string{"id": "X", "kind": "event", "parent_id": "platform"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ownership_mismatch", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/accounts/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme", decodeBody[cl.Account](t, rec).Name)
}

func TestMalformedBody(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestTransfers(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	assert.Equal(t, int64(60), s.balance("P1"))
	assert.Equal(t, int64(30), s.balance("C1"))
	assert.Equal(t, int64(10), s.balance("E1"))

	rec := s.do(http.MethodPost, "/accounts/C1/reclaim", map[string]any{"child_id": "E1", "amount": 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Transactions []cl.Transaction `json:"transactions"`
	}](t, rec)
	require.Len(t, body.Transactions, 2)
	assert.Equal(t, "E1", body.Transactions[0].AccountID)
	assert.Equal(t, int64(-4), body.Transactions[0].Amount)
	assert.Equal(t, body.Transactions[0].ReferenceID, body.Transactions[1].ReferenceID)

	rec = s.do(http.MethodPost, "/accounts/P1/allocate", map[string]any{"child_id": "C1", "amount": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_funds", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/accounts/P1/allocate", map[string]any{"child_id": "E1", "amount": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/accounts/P1/allocate", map[string]any{"child_id": "C1", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/accounts/nope/topup", map[string]any{"amount": 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/accounts/E1/adjust", map[string]any{"amount": -2, "memo": "refund reversal"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(4), s.balance("E1"))
}

func TestDeactivate(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodPost, "/accounts/E1/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[cl.Account](t, rec).Active)

	rec = s.do(http.MethodPost, "/accounts/C1/allocate", map[string]any{"child_id": "E1", "amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_inactive", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/accounts/E1/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[cl.Account](t, rec).Active)
}

func TestListAccounts(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodGet, "/accounts?parent_id=P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Accounts []cl.Account `json:"accounts"`
	}](t, rec)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "C1", body.Accounts[0].ID)

	rec = s.do(http.MethodGet, "/accounts?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/accounts?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReserveCommitRelease(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodPost, "/generations/reserve", map[string]string{"account_id": "E1", "reference_id": "photo-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[cl.Reservation](t, rec)
	assert.Equal(t, cl.ReservationHeld, res.State)
	assert.Equal(t, "/reservations/"+res.ID, rec.Header().Get("Location"))
	assert.Equal(t, int64(9), s.balance("E1"))

	rec = s.do(http.MethodPost, "/generations/"+res.ID+"/commit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cl.TxCommit, decodeBody[cl.Transaction](t, rec).Kind)

	rec = s.do(http.MethodPost, "/generations/"+res.ID+"/release", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "reservation_resolved", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/reservations/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cl.ReservationCommitted, decodeBody[cl.Reservation](t, rec).State)

	rec = s.do(http.MethodPost, "/generations/reserve", map[string]string{"account_id": "E1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	res = decodeBody[cl.Reservation](t, rec)
	rec = s.do(http.MethodPost, "/generations/"+res.ID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), s.balance("E1"))

	rec = s.do(http.MethodPost, "/generations/reserve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/reservations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommitExpired(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodPost, "/generations/reserve", map[string]string{"account_id": "E1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody[cl.Reservation](t, rec)

	s.clock.Advance(3 * time.Minute)
	rec = s.do(http.MethodPost, "/generations/"+res.ID+"/commit", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "reservation_expired", decodeBody[api.ErrorResponse](t, rec).Error)
	assert.Equal(t, int64(10), s.balance("E1"))
}

func TestReserveInsufficientCredits(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/accounts", map[string]string{"id": "P1", "kind": "partner"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/generations/reserve", map[string]string{"account_id": "P1"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credits", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestConsumerQuota(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/accounts", map[string]string{"id": "U1", "kind": "consumer"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodPost, "/accounts/U1/topup", map[string]any{"amount": 5})
	require.Equal(t, http.StatusCreated, rec.Code)

	for i := 0; i < 2; i++ {
		rec = s.do(http.MethodPost, "/generations", map[string]string{"account_id": "U1"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodPost, "/generations", map[string]string{"account_id": "U1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", decodeBody[api.ErrorResponse](t, rec).Error)
	assert.Equal(t, int64(3), s.balance("U1"))

	rec = s.do(http.MethodGet, "/accounts/U1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeBody[cl.Decision](t, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, cl.DenyDailyLimit, d.Reason)
	assert.Equal(t, int64(2), d.Used)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), d.ResetAt.UTC())
}

func TestGenerate(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodPost, "/generations", map[string]any{
		"account_id":   "E1",
		"reference_id": "photo-7",
		"params":       map[string]string{"style": "sepia"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeBody[cl.GenerationResult](t, rec)
	assert.Equal(t, "mock", result.Generator)
	assert.Equal(t, cl.ReservationCommitted, result.Reservation.State)
	assert.Equal(t, "photo-7", result.Reservation.ReferenceID)
	assert.Equal(t, "mock-1", result.Output.ID)
	assert.Equal(t, int64(9), s.balance("E1"))
}

func TestGenerateFailure(t *testing.T) {
	s := newServer(t, mock.WithError(errors.New("renderer crashed")))
	s.hierarchy()

	rec := s.do(http.MethodPost, "/generations", map[string]string{"account_id": "E1"})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var body struct {
		Error         string `json:"error"`
		Message       string `json:"message"`
		ReservationID string `json:"reservation_id"`
		State         string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "external_service_failure", body.Error)
	assert.Contains(t, body.Message, "renderer crashed")
	assert.NotEmpty(t, body.ReservationID)
	assert.Equal(t, "released", body.State)
	assert.Equal(t, int64(10), s.balance("E1"))

	rec = s.do(http.MethodGet, "/reservations/"+body.ReservationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cl.ReservationReleased, decodeBody[cl.Reservation](t, rec).State)
}

func TestGenerateCallerCanceled(t *testing.T) {
	s := newServer(t, mock.WithHang())
	s.hierarchy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for s.gen.Calls() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	req := httptest.NewRequest(http.MethodPost, "/generations", bytes.NewBufferString(`{"account_id":"E1"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	require.Equal(t, api.StatusClientClosedRequest, rec.Code, rec.Body.String())
	var body struct {
		Error         string `json:"error"`
		ReservationID string `json:"reservation_id"`
		State         string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "request_canceled", body.Error)
	assert.NotEmpty(t, body.ReservationID)
	assert.Equal(t, "released", body.State)
	assert.Equal(t, int64(10), s.balance("E1"))
}

func TestIdempotentReplay(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	body := map[string]any{"amount": 25}
	first := s.do(http.MethodPost, "/accounts/P1/topup", body, api.IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(api.ReplayHeader))

	second := s.do(http.MethodPost, "/accounts/P1/topup", body, api.IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(api.ReplayHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(85), s.balance("P1"))

	rec := s.do(http.MethodPost, "/accounts/P1/topup", map[string]any{"amount": 26}, api.IdempotencyKeyHeader, "key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "idempotency_mismatch", decodeBody[api.ErrorResponse](t, rec).Error)

	// The same key on another route is a different request.
	rec = s.do(http.MethodPost, "/accounts/C1/topup", body, api.IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(api.ReplayHeader))
}

func TestCorrelationID(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/healthz", nil, api.CorrelationIDHeader, "cid-123")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cid-123", rec.Header().Get(api.CorrelationIDHeader))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(api.CorrelationIDHeader))
}

func TestAuditEndpoints(t *testing.T) {
	s := newServer(t)
	s.hierarchy()

	rec := s.do(http.MethodPost, "/generations", map[string]string{"account_id": "E1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/accounts/E1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[cl.Page](t, rec)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, cl.TxAllocate, page.Transactions[0].Kind)
	assert.Equal(t, cl.TxReserve, page.Transactions[1].Kind)
	require.NotZero(t, page.NextCursor)

	rec = s.do(http.MethodGet, "/accounts/E1/transactions?kind=commit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decodeBody[cl.Page](t, rec)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, cl.TxCommit, page.Transactions[0].Kind)

	rec = s.do(http.MethodGet, "/accounts/E1/transactions?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/accounts/E1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recon := decodeBody[cl.Reconciliation](t, rec)
	assert.True(t, recon.Consistent)
	assert.Equal(t, int64(9), recon.Balance)

	rec = s.do(http.MethodGet, "/accounts/P1/conservation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeBody[cl.ConservationReport](t, rec)
	assert.True(t, rep.Balanced)
	assert.Equal(t, int64(100), rep.Issued)
	assert.Equal(t, int64(1), rep.Consumed)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := api.NewRouter(api.Dependencies{})
	require.Error(t, err)
}
