package creditledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DenyDailyLimit is the reason returned when a daily cap is hit.
const DenyDailyLimit = "daily_limit_reached"

// Policy is a time-windowed usage cap for one account kind.
type Policy struct {
	MaxPerDay      int64       `yaml:"max_per_day" json:"max_per_day"`
	WindowTimezone string      `yaml:"window_timezone" json:"window_timezone"`
	AppliesTo      AccountKind `yaml:"applies_to" json:"applies_to"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
	// WindowStart is the start of the day usage is counted from.
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// QuotaEnforcer evaluates usage caps against the ledger's history. It keeps
// no usage state of its own; the only cache is parsed timezones.
type QuotaEnforcer struct {
	store LedgerStore
	now   func() time.Time

	mu    sync.RWMutex
	zones map[string]*time.Location
}

// NewQuotaEnforcer creates a QuotaEnforcer reading usage from store. A nil
// now uses time.Now.
func NewQuotaEnforcer(store LedgerStore, now func() time.Time) *QuotaEnforcer {
	if now == nil {
		now = time.Now
	}
	return &QuotaEnforcer{
		store: store,
		now:   now,
		zones: map[string]*time.Location{"": time.UTC, "UTC": time.UTC},
	}
}

// CheckQuota evaluates policy for accountID. It never mutates the ledger and
// returns the same decision for the same account, day and usage count.
func (q *QuotaEnforcer) CheckQuota(ctx context.Context, accountID string, policy Policy) (Decision, error) {
	loc, err := q.location(policy.WindowTimezone)
	if err != nil {
		return Decision{}, err
	}

	now := q.now()
	start := StartOfDay(now, loc)
	d := Decision{
		Allowed:     true,
		Limit:       policy.MaxPerDay,
		WindowStart: start,
		ResetAt:     start.AddDate(0, 0, 1),
	}

	if policy.AppliesTo != "" {
		acc, err := q.store.GetAccount(ctx, accountID)
		if err != nil {
			return Decision{}, wrap("check quota", accountID, err)
		}
		if acc.Kind != policy.AppliesTo {
			d.Limit = 0
			return d, nil
		}
	}

	if policy.MaxPerDay <= 0 {
		return d, nil
	}

	used, err := q.store.CountUsage(ctx, accountID, start)
	if err != nil {
		return Decision{}, wrap("check quota", accountID, err)
	}
	d.Used = used

	if used >= policy.MaxPerDay {
		d.Allowed = false
		d.Reason = DenyDailyLimit
	}
	return d, nil
}

func (q *QuotaEnforcer) location(name string) (*time.Location, error) {
	q.mu.RLock()
	loc, ok := q.zones[name]
	q.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("creditledger: quota window timezone %q: %w", name, err)
	}

	q.mu.Lock()
	q.zones[name] = loc
	q.mu.Unlock()
	return loc, nil
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// PolicySet maps account kinds to their quota policy.
type PolicySet map[AccountKind]Policy

// For returns the policy configured for kind and whether one exists.
func (ps PolicySet) For(kind AccountKind) (Policy, bool) {
	p, ok := ps[kind]
	return p, ok
}

// DefaultPolicies caps consumers at two generations per UTC day and leaves
// the reseller tiers uncapped.
func DefaultPolicies() PolicySet {
	return PolicySet{
		KindConsumer: {MaxPerDay: 2, WindowTimezone: "UTC", AppliesTo: KindConsumer},
	}
}
