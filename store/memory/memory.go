// Package memory provides an in-memory LedgerStore.
//
// A single mutex serializes every mutation, which makes each operation atomic
// and trivially serializable. State is lost on restart; use it for tests,
// demos and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/creditledger"
)

// Store is an in-memory LedgerStore.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]*creditledger.Account
	order        []string
	txs          []creditledger.Transaction
	byAccount    map[string][]int // indexes into txs
	reservations map[string]*creditledger.Reservation
	seq          int64
	now          func() time.Time
}

var _ creditledger.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source for created_at and expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store holding only the platform account.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:     make(map[string]*creditledger.Account),
		byAccount:    make(map[string][]int),
		reservations: make(map[string]*creditledger.Reservation),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now().UTC()
	s.accounts[creditledger.PlatformID] = &creditledger.Account{
		ID:        creditledger.PlatformID,
		Kind:      creditledger.KindPlatform,
		Name:      "Platform",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.order = append(s.order, creditledger.PlatformID)
	return s
}

func (s *Store) CreateAccount(_ context.Context, acc creditledger.Account) (creditledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return creditledger.Account{}, creditledger.ErrAlreadyExists
	}
	if acc.ParentID != "" {
		if _, ok := s.accounts[acc.ParentID]; !ok {
			return creditledger.Account{}, fmt.Errorf("parent %s: %w", acc.ParentID, creditledger.ErrNotFound)
		}
	}

	now := s.now().UTC()
	acc.Balance = 0
	acc.CreatedAt = now
	acc.UpdatedAt = now
	stored := acc
	s.accounts[acc.ID] = &stored
	s.order = append(s.order, acc.ID)
	return acc, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (creditledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return creditledger.Account{}, creditledger.ErrNotFound
	}
	return *acc, nil
}

func (s *Store) GetBalance(_ context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return 0, creditledger.ErrNotFound
	}
	return acc.Balance, nil
}

func (s *Store) ListAccounts(_ context.Context, f creditledger.AccountFilter) ([]creditledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := creditledger.PageLimit(f.Limit)
	skipped := 0
	out := []creditledger.Account{}
	for _, id := range s.order {
		acc := s.accounts[id]
		if f.ParentID != "" && acc.ParentID != f.ParentID {
			continue
		}
		if f.Kind != "" && acc.Kind != f.Kind {
			continue
		}
		if f.Active != nil && acc.Active != *f.Active {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *acc)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SetActive(_ context.Context, id string, active bool) (creditledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return creditledger.Account{}, creditledger.ErrNotFound
	}
	acc.Active = active
	acc.UpdatedAt = s.now().UTC()
	return *acc, nil
}

func (s *Store) SetParent(_ context.Context, id, parentID string) (creditledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return creditledger.Account{}, creditledger.ErrNotFound
	}
	if parentID != "" {
		if _, ok := s.accounts[parentID]; !ok {
			return creditledger.Account{}, fmt.Errorf("parent %s: %w", parentID, creditledger.ErrNotFound)
		}
	}
	acc.ParentID = parentID
	acc.UpdatedAt = s.now().UTC()
	return *acc, nil
}

func (s *Store) ApplyTransaction(_ context.Context, spec creditledger.TxSpec) ([]creditledger.Transaction, error) {
	if err := creditledger.ValidateSpec(spec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[spec.AccountID]
	if !ok {
		return nil, creditledger.ErrNotFound
	}

	now := s.now().UTC()

	if !spec.IsTransfer() {
		if err := creditledger.CheckActive(spec, *acc, nil); err != nil {
			return nil, err
		}
		if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
			return nil, err
		}
		if acc.Balance+spec.Amount < 0 {
			return nil, creditledger.ErrInsufficientFunds
		}
		acc.Balance += spec.Amount
		acc.UpdatedAt = now
		tx := s.record(now, acc.ID, creditledger.PlatformID, spec.Amount, spec)
		return []creditledger.Transaction{tx}, nil
	}

	src, ok := s.accounts[spec.CounterpartyID]
	if !ok {
		return nil, creditledger.ErrNotFound
	}
	if err := creditledger.CheckActive(spec, *acc, src); err != nil {
		return nil, err
	}
	if src.Balance < spec.Amount {
		return nil, creditledger.ErrInsufficientFunds
	}
	if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
		return nil, err
	}

	src.Balance -= spec.Amount
	acc.Balance += spec.Amount
	src.UpdatedAt = now
	acc.UpdatedAt = now

	debit := s.record(now, src.ID, acc.ID, -spec.Amount, spec)
	credit := s.record(now, acc.ID, src.ID, spec.Amount, spec)
	return []creditledger.Transaction{debit, credit}, nil
}

// record appends one row. Callers hold s.mu.
func (s *Store) record(now time.Time, accountID, counterpartyID string, amount int64, spec creditledger.TxSpec) creditledger.Transaction {
	s.seq++
	tx := creditledger.Transaction{
		ID:             uuid.New().String(),
		Seq:            s.seq,
		AccountID:      accountID,
		CounterpartyID: counterpartyID,
		Amount:         amount,
		Kind:           spec.Kind,
		ReferenceID:    spec.ReferenceID,
		Memo:           spec.Memo,
		CreatedAt:      now,
	}
	s.txs = append(s.txs, tx)
	s.byAccount[accountID] = append(s.byAccount[accountID], len(s.txs)-1)
	return tx
}

func (s *Store) Reserve(_ context.Context, spec creditledger.ReserveSpec) (creditledger.Reservation, creditledger.Transaction, error) {
	if spec.Amount <= 0 {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[spec.AccountID]
	if !ok || acc.Kind == creditledger.KindPlatform {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrNotFound
	}
	if !acc.Active {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrAccountInactive
	}
	if spec.UsageLimit > 0 && s.countUsage(acc.ID, spec.UsageSince) >= spec.UsageLimit {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrQuotaExceeded
	}
	if acc.Balance < spec.Amount {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrInsufficientCredits
	}

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = creditledger.DefaultReservationTTL
	}
	now := s.now().UTC()
	res := &creditledger.Reservation{
		ID:          uuid.New().String(),
		AccountID:   acc.ID,
		Amount:      spec.Amount,
		State:       creditledger.ReservationHeld,
		ReferenceID: spec.ReferenceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.reservations[res.ID] = res

	acc.Balance -= spec.Amount
	acc.UpdatedAt = now
	tx := s.record(now, acc.ID, "", -spec.Amount, creditledger.TxSpec{
		Kind:        creditledger.TxReserve,
		ReferenceID: res.ID,
	})
	return *res, tx, nil
}

func (s *Store) Resolve(_ context.Context, reservationID string, state creditledger.ReservationState) (creditledger.Reservation, creditledger.Transaction, error) {
	kind, err := resolveKind(state)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrNotFound
	}
	if res.State != creditledger.ReservationHeld {
		return *res, creditledger.Transaction{}, creditledger.ErrReservationResolved
	}

	now := s.now().UTC()
	var amount int64
	if state == creditledger.ReservationReleased {
		amount = res.Amount
		acc := s.accounts[res.AccountID]
		if err := creditledger.CheckCredit(acc.Balance, amount); err != nil {
			return *res, creditledger.Transaction{}, err
		}
		acc.Balance += amount
		acc.UpdatedAt = now
	}

	res.State = state
	res.ResolvedAt = &now
	tx := s.record(now, res.AccountID, "", amount, creditledger.TxSpec{
		Kind:        kind,
		ReferenceID: res.ID,
	})
	return *res, tx, nil
}

func resolveKind(state creditledger.ReservationState) (creditledger.TxKind, error) {
	switch state {
	case creditledger.ReservationCommitted:
		return creditledger.TxCommit, nil
	case creditledger.ReservationReleased:
		return creditledger.TxRelease, nil
	}
	return "", fmt.Errorf("creditledger/memory: cannot resolve to state %q", state)
}

func (s *Store) GetReservation(_ context.Context, id string) (creditledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[id]
	if !ok {
		return creditledger.Reservation{}, creditledger.ErrNotFound
	}
	return *res, nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]creditledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditledger.Reservation
	for _, res := range s.reservations {
		if res.Expired(now) {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, q creditledger.TxQuery) ([]creditledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := creditledger.PageLimit(q.Limit)
	out := []creditledger.Transaction{}
	for _, i := range s.byAccount[q.AccountID] {
		tx := s.txs[i]
		if tx.Seq <= q.AfterSeq {
			continue
		}
		if !q.Since.IsZero() && tx.CreatedAt.Before(q.Since) {
			continue
		}
		if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, tx.Kind) {
			continue
		}
		out = append(out, tx)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountUsage(_ context.Context, accountID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return 0, creditledger.ErrNotFound
	}
	return s.countUsage(accountID, since), nil
}

// countUsage counts commits plus live holds since the window start. Callers hold s.mu.
func (s *Store) countUsage(accountID string, since time.Time) int64 {
	var n int64
	for _, i := range s.byAccount[accountID] {
		tx := s.txs[i]
		if tx.Kind == creditledger.TxCommit && !tx.CreatedAt.Before(since) {
			n++
		}
	}
	for _, res := range s.reservations {
		if res.AccountID == accountID && res.State == creditledger.ReservationHeld && !res.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }
