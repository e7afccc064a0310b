package creditledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultGenerationTimeout bounds a single external generation call.
	DefaultGenerationTimeout = 60 * time.Second

	// DefaultReservationTTL is how long a hold lives before the sweeper may
	// release it. It must exceed the generation timeout.
	DefaultReservationTTL = 2 * time.Minute

	// DefaultGenerationCost is the credit price of one generation.
	DefaultGenerationCost int64 = 1
)

// GenerationBroker ties one ledger deduction to one generation attempt:
// quota check, reserve, external call, then commit or release.
type GenerationBroker struct {
	store     LedgerStore
	quota     *QuotaEnforcer
	policies  PolicySet
	generator Generator
	meter     Meter
	health    *HealthTracker
	logger    *slog.Logger

	timeout time.Duration
	ttl     time.Duration
	cost    int64
	now     func() time.Time
}

// BrokerOption configures a GenerationBroker.
type BrokerOption func(*GenerationBroker)

// WithGenerator sets the external generation service used by Generate.
func WithGenerator(g Generator) BrokerOption {
	return func(b *GenerationBroker) { b.generator = g }
}

// WithPolicies sets the quota policies per account kind.
func WithPolicies(ps PolicySet) BrokerOption {
	return func(b *GenerationBroker) { b.policies = ps }
}

// WithMeter sets the meter.
func WithMeter(m Meter) BrokerOption {
	return func(b *GenerationBroker) { b.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) BrokerOption {
	return func(b *GenerationBroker) { b.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *GenerationBroker) { b.logger = l }
}

// WithTimeout sets the external call timeout.
func WithTimeout(d time.Duration) BrokerOption {
	return func(b *GenerationBroker) { b.timeout = d }
}

// WithReservationTTL sets how long a hold may stay unresolved.
func WithReservationTTL(d time.Duration) BrokerOption {
	return func(b *GenerationBroker) { b.ttl = d }
}

// WithCost sets the default price of one generation.
func WithCost(credits int64) BrokerOption {
	return func(b *GenerationBroker) { b.cost = credits }
}

// WithClock replaces the time source used for quota windows and expiry checks.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *GenerationBroker) {
		b.now = now
		b.quota.now = now
	}
}

// NewGenerationBroker creates a broker over store. DefaultPolicies, a
// NoopMeter and a fresh HealthTracker are used unless overridden via options.
func NewGenerationBroker(store LedgerStore, opts ...BrokerOption) (*GenerationBroker, error) {
	if store == nil {
		return nil, fmt.Errorf("creditledger: ledger store is required")
	}

	b := &GenerationBroker{
		store:   store,
		quota:   NewQuotaEnforcer(store, nil),
		health:  NewHealthTracker(),
		timeout: DefaultGenerationTimeout,
		ttl:     DefaultReservationTTL,
		cost:    DefaultGenerationCost,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	// Apply defaults after options.
	if b.policies == nil {
		b.policies = DefaultPolicies()
	}
	if b.meter == nil {
		b.meter = &noopMeter{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	if b.cost <= 0 {
		return nil, fmt.Errorf("creditledger: generation cost must be positive, got %d", b.cost)
	}
	if b.timeout <= 0 {
		return nil, fmt.Errorf("creditledger: generation timeout must be positive")
	}
	if b.ttl <= b.timeout {
		return nil, fmt.Errorf("creditledger: reservation ttl %s must exceed generation timeout %s", b.ttl, b.timeout)
	}

	return b, nil
}

// Quota returns the current quota decision for an account under the policy
// configured for its kind. Accounts without a policy are always allowed.
func (b *GenerationBroker) Quota(ctx context.Context, accountID string) (Decision, error) {
	acc, err := b.store.GetAccount(ctx, accountID)
	if err != nil {
		return Decision{}, wrap("quota", accountID, err)
	}
	policy, ok := b.policies.For(acc.Kind)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	return b.quota.CheckQuota(ctx, accountID, policy)
}

// Reserve places a hold of the configured cost on accountID. Quota is
// evaluated first; a denial never touches the ledger.
func (b *GenerationBroker) Reserve(ctx context.Context, accountID, referenceID string) (Reservation, error) {
	return b.reserve(ctx, accountID, referenceID, b.cost, nil)
}

// preflight is run between the quota check and the hold.
type preflight func() error

func (b *GenerationBroker) reserve(ctx context.Context, accountID, referenceID string, cost int64, check preflight) (Reservation, error) {
	acc, err := b.store.GetAccount(ctx, accountID)
	if err != nil {
		b.meter.OnReserve(ReserveEvent{AccountID: accountID, Amount: cost, Error: err})
		return Reservation{}, wrap("reserve", accountID, err)
	}
	if !acc.Active {
		b.meter.OnReserve(ReserveEvent{AccountID: accountID, Amount: cost, Error: ErrAccountInactive})
		return Reservation{}, wrap("reserve", accountID, ErrAccountInactive)
	}

	spec := ReserveSpec{
		AccountID:   accountID,
		Amount:      cost,
		ReferenceID: referenceID,
		TTL:         b.ttl,
	}

	if policy, ok := b.policies.For(acc.Kind); ok {
		d, err := b.quota.CheckQuota(ctx, accountID, policy)
		if err != nil {
			b.meter.OnReserve(ReserveEvent{AccountID: accountID, Amount: cost, Error: err})
			return Reservation{}, err
		}
		if !d.Allowed {
			b.meter.OnReserve(ReserveEvent{AccountID: accountID, Amount: cost, QuotaDenied: true})
			return Reservation{}, &LedgerError{Op: "reserve", AccountID: accountID, Err: ErrQuotaExceeded}
		}
		if d.Limit > 0 {
			spec.UsageSince = d.WindowStart
			spec.UsageLimit = d.Limit
		}
	}

	if check != nil {
		if err := check(); err != nil {
			b.meter.OnReserve(ReserveEvent{AccountID: accountID, Amount: cost, Error: err})
			return Reservation{}, err
		}
	}

	res, _, err := b.store.Reserve(ctx, spec)
	if err != nil {
		b.meter.OnReserve(ReserveEvent{
			AccountID:   accountID,
			Amount:      cost,
			QuotaDenied: errors.Is(err, ErrQuotaExceeded),
			Error:       err,
		})
		return Reservation{}, wrap("reserve", accountID, err)
	}

	b.meter.OnReserve(ReserveEvent{AccountID: accountID, ReservationID: res.ID, Amount: cost})
	return res, nil
}

// Commit converts a held reservation into permanent consumption. A hold past
// its expiry is released instead and ErrReservationExpired is returned.
func (b *GenerationBroker) Commit(ctx context.Context, reservationID string) (Transaction, error) {
	res, err := b.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Transaction{}, wrap("commit", "", err)
	}
	if res.Expired(b.now()) {
		if _, err := b.resolve(ctx, res, ReservationReleased, "", true); err != nil && !errors.Is(err, ErrReservationResolved) {
			return Transaction{}, err
		}
		return Transaction{}, wrap("commit", res.AccountID, ErrReservationExpired)
	}
	return b.resolve(ctx, res, ReservationCommitted, "", false)
}

// Release returns a held reservation's credit to its account.
func (b *GenerationBroker) Release(ctx context.Context, reservationID string) (Transaction, error) {
	res, err := b.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Transaction{}, wrap("release", "", err)
	}
	return b.resolve(ctx, res, ReservationReleased, "", false)
}

// Cancel abandons a reserved generation. It is the release path.
func (b *GenerationBroker) Cancel(ctx context.Context, reservationID string) (Transaction, error) {
	return b.Release(ctx, reservationID)
}

// GetReservation returns a reservation by id.
func (b *GenerationBroker) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	res, err := b.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, wrap("get reservation", "", err)
	}
	return res, nil
}

func (b *GenerationBroker) resolve(ctx context.Context, res Reservation, state ReservationState, generator string, swept bool) (Transaction, error) {
	op := "commit"
	if state == ReservationReleased {
		op = "release"
	}

	resolved, tx, err := b.store.Resolve(ctx, res.ID, state)
	if err != nil {
		b.meter.OnResolve(ResolveEvent{
			AccountID:     res.AccountID,
			ReservationID: res.ID,
			Generator:     generator,
			Amount:        res.Amount,
			State:         state,
			Swept:         swept,
			Error:         err,
		})
		return Transaction{}, wrap(op, res.AccountID, err)
	}

	var held time.Duration
	if resolved.ResolvedAt != nil {
		held = resolved.ResolvedAt.Sub(resolved.CreatedAt)
	}
	b.meter.OnResolve(ResolveEvent{
		AccountID:     res.AccountID,
		ReservationID: res.ID,
		Generator:     generator,
		Amount:        res.Amount,
		State:         state,
		Duration:      held,
		Swept:         swept,
	})
	return tx, nil
}

// Generate runs the full protocol against the configured generator. Every
// non-success outcome, including caller cancellation, releases the hold
// before returning.
func (b *GenerationBroker) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	if b.generator == nil {
		return GenerationResult{}, ErrNoGenerator
	}
	name := b.generator.Name()

	cost := req.Cost
	if cost <= 0 {
		cost = b.cost
	}
	req.Cost = cost

	res, err := b.reserve(ctx, req.AccountID, req.ReferenceID, cost, func() error {
		if b.health.GetHealth(name) == HealthUnhealthy {
			return &GenerationError{
				Err:       fmt.Errorf("%w: generator %s is unhealthy", ErrExternalServiceFailure, name),
				AccountID: req.AccountID,
				Generator: name,
			}
		}
		return nil
	})
	if err != nil {
		return GenerationResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	out, genErr := b.generator.Generate(callCtx, req)
	if genErr == nil && callCtx.Err() != nil {
		genErr = callCtx.Err()
	}
	cancel()

	// The caller's cancellation must not prevent the ledger from settling.
	settleCtx := context.WithoutCancel(ctx)

	if genErr != nil {
		cause := fmt.Errorf("%w: %w", ErrExternalServiceFailure, genErr)
		if ctx.Err() != nil {
			cause = ctx.Err()
		} else {
			b.health.RecordFailure(name)
		}

		state := ReservationReleased
		if _, err := b.resolve(settleCtx, res, ReservationReleased, name, false); err != nil {
			b.logger.Error("release after failed generation",
				"account", res.AccountID,
				"reservation", res.ID,
				"generator", name,
				"error", err,
			)
			// The sweeper will release it once the hold expires.
			state = ReservationHeld
		}
		return GenerationResult{}, &GenerationError{
			Err:           cause,
			AccountID:     res.AccountID,
			ReservationID: res.ID,
			Generator:     name,
			State:         state,
		}
	}

	b.health.RecordSuccess(name)
	tx, err := b.resolve(settleCtx, res, ReservationCommitted, name, false)
	if err != nil {
		return GenerationResult{}, &GenerationError{
			Err:           err,
			AccountID:     res.AccountID,
			ReservationID: res.ID,
			Generator:     name,
		}
	}

	committed, err := b.store.GetReservation(settleCtx, res.ID)
	if err != nil {
		committed = res
		committed.State = ReservationCommitted
	}
	return GenerationResult{
		Reservation: committed,
		Commit:      tx,
		Output:      out,
		Generator:   name,
	}, nil
}
