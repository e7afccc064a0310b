package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ineyio/creditledger"
)

// Handler serves the ledger endpoints.
type Handler struct {
	store  creditledger.LedgerStore
	engine *creditledger.AllocationEngine
	broker *creditledger.GenerationBroker
	audit  *creditledger.AuditLog
	logger *slog.Logger
}

type createAccountRequest struct {
	ID       string                   `json:"id"`
	Kind     creditledger.AccountKind `json:"kind"`
	ParentID string                   `json:"parent_id"`
	Name     string                   `json:"name"`
}

type amountRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

type transferRequest struct {
	ChildID string `json:"child_id"`
	Amount  int64  `json:"amount"`
}

type reassignRequest struct {
	ParentID string `json:"parent_id"`
}

type reserveRequest struct {
	AccountID   string `json:"account_id"`
	ReferenceID string `json:"reference_id"`
}

type generateRequest struct {
	AccountID   string            `json:"account_id"`
	ReferenceID string            `json:"reference_id"`
	Params      map[string]string `json:"params"`
}

type generationFailure struct {
	ErrorResponse
	ReservationID string                        `json:"reservation_id,omitempty"`
	State         creditledger.ReservationState `json:"state,omitempty"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type transactionsResponse struct {
	Transactions []creditledger.Transaction `json:"transactions"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return false
	}
	return true
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.engine.CreateAccount(r.Context(), creditledger.Account{
		ID:       req.ID,
		Kind:     req.Kind,
		ParentID: req.ParentID,
		Name:     req.Name,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/accounts/"+acc.ID)
	writeJSON(w, r, http.StatusCreated, acc)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := creditledger.AccountFilter{
		ParentID: q.Get("parent_id"),
		Kind:     creditledger.AccountKind(q.Get("kind")),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_query", "active must be a boolean")
			return
		}
		f.Active = &active
	}
	var ok bool
	if f.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if f.Offset, ok = intParam(w, r, "offset"); !ok {
		return
	}

	accs, err := h.store.ListAccounts(r.Context(), f)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"accounts": accs})
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_query", name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, err := h.store.GetBalance(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{AccountID: id, Balance: balance})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := creditledger.TxQuery{AccountID: mux.Vars(r)["id"]}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_query", "since must be RFC3339")
			return
		}
		query.Since = since
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_query", "after must be a non-negative integer")
			return
		}
		query.AfterSeq = after
	}
	for _, k := range q["kind"] {
		query.Kinds = append(query.Kinds, creditledger.TxKind(k))
	}
	var ok bool
	if query.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}

	page, err := h.audit.Transactions(r.Context(), query)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	d, err := h.broker.Quota(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.audit.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

func (h *Handler) Conservation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.audit.Conservation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.engine.TopUp(r.Context(), mux.Vars(r)["id"], req.Amount, req.Memo)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.engine.Adjust(r.Context(), mux.Vars(r)["id"], req.Amount, req.Memo)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := h.engine.Allocate(r.Context(), mux.Vars(r)["id"], req.ChildID, req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, transactionsResponse{Transactions: txs})
}

func (h *Handler) Reclaim(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := h.engine.Reclaim(r.Context(), mux.Vars(r)["id"], req.ChildID, req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, transactionsResponse{Transactions: txs})
}

func (h *Handler) Reassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.engine.Reassign(r.Context(), mux.Vars(r)["id"], req.ParentID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.Deactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.Activate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_account", "account_id is required")
		return
	}
	res, err := h.broker.Reserve(r.Context(), req.AccountID, req.ReferenceID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/reservations/"+res.ID)
	writeJSON(w, r, http.StatusCreated, res)
}

// Generate runs reserve, the external call and settlement in one request.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_account", "account_id is required")
		return
	}
	result, err := h.broker.Generate(r.Context(), creditledger.GenerationRequest{
		AccountID:   req.AccountID,
		ReferenceID: req.ReferenceID,
		Params:      req.Params,
	})
	if err != nil {
		var ge *creditledger.GenerationError
		if errors.As(err, &ge) && ge.ReservationID != "" {
			status, code := classify(err)
			writeJSON(w, r, status, generationFailure{
				ErrorResponse: ErrorResponse{Error: code, Message: h.publicMessage(r, status, err)},
				ReservationID: ge.ReservationID,
				State:         ge.State,
			})
			return
		}
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	tx, err := h.broker.Commit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tx)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	tx, err := h.broker.Release(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tx)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.broker.GetReservation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
