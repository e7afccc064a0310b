package creditledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// AllocationEngine moves credits through the account hierarchy. It checks
// ownership and delegates every balance change to a single LedgerStore call,
// so the store's atomicity is what prevents overdrafts.
type AllocationEngine struct {
	store LedgerStore
	meter Meter
}

// AllocationOption configures an AllocationEngine.
type AllocationOption func(*AllocationEngine)

// WithAllocationMeter sets the meter for administrative operations.
func WithAllocationMeter(m Meter) AllocationOption {
	return func(e *AllocationEngine) { e.meter = m }
}

// NewAllocationEngine creates an AllocationEngine on top of store.
func NewAllocationEngine(store LedgerStore, opts ...AllocationOption) *AllocationEngine {
	e := &AllocationEngine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	return e
}

// CreateAccount validates the ownership rules for acc and stores it active
// with a zero balance. An empty ID is replaced by a new uuid.
func (e *AllocationEngine) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	if !acc.Kind.Valid() || acc.Kind == KindPlatform {
		return Account{}, wrap("create account", acc.ID, ErrInvalidAccount)
	}
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.ID == PlatformID {
		return Account{}, wrap("create account", acc.ID, ErrInvalidAccount)
	}
	if acc.Kind == KindConsumer && acc.ParentID == "" {
		acc.ParentID = PlatformID
	}

	if acc.ParentID != "" {
		parent, err := e.store.GetAccount(ctx, acc.ParentID)
		if err != nil {
			return Account{}, wrap("create account", acc.ID, err)
		}
		if err := checkParent(acc.Kind, parent); err != nil {
			return Account{}, wrap("create account", acc.ID, err)
		}
		if !parent.Active {
			return Account{}, wrap("create account", acc.ID, ErrAccountInactive)
		}
	} else if acc.Kind != KindPartner {
		return Account{}, wrap("create account", acc.ID, ErrOwnershipMismatch)
	}

	acc.Balance = 0
	acc.Active = true
	created, err := e.store.CreateAccount(ctx, acc)
	if err != nil {
		return Account{}, wrap("create account", acc.ID, err)
	}
	return created, nil
}

// checkParent reports whether parent may own an account of kind.
func checkParent(kind AccountKind, parent Account) error {
	ok := false
	switch kind {
	case KindPartner, KindConsumer:
		ok = parent.Kind == KindPlatform
	case KindClient:
		ok = parent.Kind == KindPartner
	case KindEvent:
		ok = parent.Kind == KindPartner || parent.Kind == KindClient
	}
	if !ok {
		return ErrOwnershipMismatch
	}
	return nil
}

// TopUp credits amount to accountID from Platform.
func (e *AllocationEngine) TopUp(ctx context.Context, accountID string, amount int64, memo string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, e.fail(TxTopUp, accountID, PlatformID, amount, ErrInvalidAmount)
	}
	txs, err := e.apply(ctx, TxSpec{
		AccountID:      accountID,
		CounterpartyID: PlatformID,
		Amount:         amount,
		Kind:           TxTopUp,
		ReferenceID:    uuid.New().String(),
		Memo:           memo,
	})
	if err != nil {
		return Transaction{}, err
	}
	return txs[0], nil
}

// Allocate moves amount from parentID to its direct child childID. It
// returns the debit and credit transactions in that order.
func (e *AllocationEngine) Allocate(ctx context.Context, parentID, childID string, amount int64) ([]Transaction, error) {
	if amount <= 0 {
		return nil, e.fail(TxAllocate, childID, parentID, amount, ErrInvalidAmount)
	}
	if err := e.checkOwnership(ctx, parentID, childID); err != nil {
		return nil, e.fail(TxAllocate, childID, parentID, amount, err)
	}
	return e.apply(ctx, TxSpec{
		AccountID:      childID,
		CounterpartyID: parentID,
		Amount:         amount,
		Kind:           TxAllocate,
		ReferenceID:    uuid.New().String(),
	})
}

// Reclaim moves amount from childID back to parentID. It returns the debit
// on the child and the credit on the parent in that order.
func (e *AllocationEngine) Reclaim(ctx context.Context, parentID, childID string, amount int64) ([]Transaction, error) {
	if amount <= 0 {
		return nil, e.fail(TxReclaim, parentID, childID, amount, ErrInvalidAmount)
	}
	if err := e.checkOwnership(ctx, parentID, childID); err != nil {
		return nil, e.fail(TxReclaim, parentID, childID, amount, err)
	}
	return e.apply(ctx, TxSpec{
		AccountID:      parentID,
		CounterpartyID: childID,
		Amount:         amount,
		Kind:           TxReclaim,
		ReferenceID:    uuid.New().String(),
	})
}

// Adjust applies a signed manual correction. Positive deltas issue credit,
// negative ones destroy it; the balance can never go below zero.
func (e *AllocationEngine) Adjust(ctx context.Context, accountID string, delta int64, memo string) (Transaction, error) {
	if delta == 0 {
		return Transaction{}, e.fail(TxManualAdjustment, accountID, PlatformID, delta, ErrInvalidAmount)
	}
	txs, err := e.apply(ctx, TxSpec{
		AccountID:      accountID,
		CounterpartyID: PlatformID,
		Amount:         delta,
		Kind:           TxManualAdjustment,
		ReferenceID:    uuid.New().String(),
		Memo:           memo,
	})
	if err != nil {
		return Transaction{}, err
	}
	return txs[0], nil
}

// Reassign changes the owner of childID. Events may only move within the
// partner that ultimately owns them; balances stay with the child.
func (e *AllocationEngine) Reassign(ctx context.Context, childID, newParentID string) (Account, error) {
	child, err := e.store.GetAccount(ctx, childID)
	if err != nil {
		return Account{}, wrap("reassign", childID, err)
	}
	if child.Kind == KindPlatform || child.Kind == KindConsumer {
		return Account{}, wrap("reassign", childID, ErrOwnershipMismatch)
	}
	if newParentID == "" {
		if child.Kind != KindPartner {
			return Account{}, wrap("reassign", childID, ErrOwnershipMismatch)
		}
		return e.setParent(ctx, childID, "")
	}
	if newParentID == childID {
		return Account{}, wrap("reassign", childID, ErrOwnershipMismatch)
	}

	parent, err := e.store.GetAccount(ctx, newParentID)
	if err != nil {
		return Account{}, wrap("reassign", childID, err)
	}
	if err := checkParent(child.Kind, parent); err != nil {
		return Account{}, wrap("reassign", childID, err)
	}
	if !parent.Active {
		return Account{}, wrap("reassign", childID, ErrAccountInactive)
	}

	if child.Kind == KindEvent && child.ParentID != "" {
		from, err := e.partnerOf(ctx, child.ParentID)
		if err != nil {
			return Account{}, wrap("reassign", childID, err)
		}
		to, err := e.partnerOf(ctx, newParentID)
		if err != nil {
			return Account{}, wrap("reassign", childID, err)
		}
		if from != to {
			return Account{}, wrap("reassign", childID, ErrOwnershipMismatch)
		}
	}
	return e.setParent(ctx, childID, newParentID)
}

func (e *AllocationEngine) setParent(ctx context.Context, id, parentID string) (Account, error) {
	acc, err := e.store.SetParent(ctx, id, parentID)
	if err != nil {
		return Account{}, wrap("reassign", id, err)
	}
	return acc, nil
}

// partnerOf returns the partner id that owns id, which is id itself for a partner.
func (e *AllocationEngine) partnerOf(ctx context.Context, id string) (string, error) {
	acc, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	switch acc.Kind {
	case KindPartner:
		return acc.ID, nil
	case KindClient:
		return acc.ParentID, nil
	}
	return "", ErrOwnershipMismatch
}

// Deactivate marks an account inactive. History is kept.
func (e *AllocationEngine) Deactivate(ctx context.Context, id string) (Account, error) {
	return e.setActive(ctx, id, false)
}

// Activate reverses Deactivate.
func (e *AllocationEngine) Activate(ctx context.Context, id string) (Account, error) {
	return e.setActive(ctx, id, true)
}

func (e *AllocationEngine) setActive(ctx context.Context, id string, active bool) (Account, error) {
	if id == PlatformID {
		return Account{}, wrap("set active", id, ErrInvalidAccount)
	}
	acc, err := e.store.SetActive(ctx, id, active)
	if err != nil {
		return Account{}, wrap("set active", id, err)
	}
	return acc, nil
}

func (e *AllocationEngine) checkOwnership(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return ErrOwnershipMismatch
	}
	child, err := e.store.GetAccount(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentID != parentID {
		return ErrOwnershipMismatch
	}
	return nil
}

func (e *AllocationEngine) apply(ctx context.Context, spec TxSpec) ([]Transaction, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, e.fail(spec.Kind, spec.AccountID, spec.CounterpartyID, spec.Amount, err)
	}
	txs, err := e.store.ApplyTransaction(ctx, spec)
	if err != nil {
		return nil, e.fail(spec.Kind, spec.AccountID, spec.CounterpartyID, spec.Amount, err)
	}
	e.meter.OnTransaction(TransactionEvent{
		Kind:           spec.Kind,
		AccountID:      spec.AccountID,
		CounterpartyID: spec.CounterpartyID,
		Amount:         spec.Amount,
	})
	return txs, nil
}

func (e *AllocationEngine) fail(kind TxKind, accountID, counterpartyID string, amount int64, err error) error {
	e.meter.OnTransaction(TransactionEvent{
		Kind:           kind,
		AccountID:      accountID,
		CounterpartyID: counterpartyID,
		Amount:         amount,
		Error:          err,
	})
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	return wrap(string(kind), accountID, err)
}
