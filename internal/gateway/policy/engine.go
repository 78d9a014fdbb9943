// Package policy decides whether a key may send a request right now.
//
// The Engine keeps, per API key, the number of requests in flight, a sliding
// log of recent admissions for the per-minute rate limit, and the cost spent
// in the current billing month. Each key has its own lock, so keys never
// contend with one another, and no I/O happens while a key lock is held.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/gwerr"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultWindow is the rate limit window
const DefaultWindow = time.Minute

// SpendStore persists monthly spend so budgets survive restarts
type SpendStore interface {
	LoadSpend(ctx context.Context, month string) (map[string]decimal.Decimal, error)
	SaveSpend(ctx context.Context, month, keyID string, amount decimal.Decimal) error
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWindow overrides the rate limit window
func WithWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithSpendStore enables write-behind persistence of monthly spend
func WithSpendStore(s SpendStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the logger used by the flush loop
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBillFailures controls whether requests that failed downstream are
// charged against the budget. Defaults to true: backend compute was used.
func WithBillFailures(bill bool) Option {
	return func(e *Engine) { e.billFailures = bill }
}

// Engine enforces per-key admission policy
type Engine struct {
	mu   sync.RWMutex
	keys map[string]*keyState

	now          func() time.Time
	window       time.Duration
	store        SpendStore
	logger       *zap.Logger
	billFailures bool
}

// NewEngine creates an Engine with empty counters
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		keys:         make(map[string]*keyState),
		now:          time.Now,
		window:       DefaultWindow,
		logger:       zap.NewNop(),
		billFailures: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ticket is the release handle of an admitted request
type Ticket struct {
	ID         string
	KeyID      string
	AdmittedAt time.Time

	// RateLimit and RateRemaining describe the window after this admission.
	// RateLimit is zero for keys without a rate limit.
	RateLimit     int
	RateRemaining int

	month    billingMonth
	state    *keyState
	released atomic.Bool
}

// Released reports whether Release has been called for this ticket
func (t *Ticket) Released() bool {
	return t.released.Load()
}

// Admit checks the key against its policy and, on success, occupies one
// concurrency slot and one rate-limit slot. The caller must Release the
// returned ticket exactly once.
func (e *Engine) Admit(key *models.APIKey, alias string, estimatedCost decimal.Decimal) (*Ticket, error) {
	if key == nil {
		return nil, gwerr.New(gwerr.AuthInvalid, "no API key")
	}
	if !key.IsActive {
		return nil, gwerr.New(gwerr.KeyInactive, "API key is inactive")
	}
	if !key.AllowedModels.Contains(alias) {
		return nil, gwerr.New(gwerr.ModelNotAllowed, fmt.Sprintf("API key is not allowed to use model %q", alias))
	}
	if estimatedCost.IsNegative() {
		estimatedCost = decimal.Zero
	}

	st := e.state(key.ID)
	now := e.now()
	month := monthOf(now)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.rollTo(month)

	if key.ConcurrencyLimit > 0 && st.inFlight >= key.ConcurrencyLimit {
		return nil, gwerr.New(gwerr.ConcurrencyExceeded,
			fmt.Sprintf("concurrency limit of %d requests in flight reached", key.ConcurrencyLimit))
	}

	st.prune(now, e.window)
	if key.RateLimitRPM > 0 && len(st.admits) >= key.RateLimitRPM {
		err := gwerr.New(gwerr.RateLimitExceeded,
			fmt.Sprintf("rate limit of %d requests per minute reached", key.RateLimitRPM))
		err.RetryAfter = st.admits[0].Add(e.window).Sub(now)
		return nil, err
	}

	if key.MonthlyBudget.Valid {
		projected := st.spent.Add(estimatedCost)
		if projected.GreaterThan(key.MonthlyBudget.Decimal) {
			err := gwerr.New(gwerr.BudgetExceeded,
				fmt.Sprintf("monthly budget of %s exhausted (spent %s)", key.MonthlyBudget.Decimal.String(), st.spent.String()))
			err.RetryAfter = month.next().start().Sub(now)
			return nil, err
		}
	}

	st.inFlight++
	t := &Ticket{
		ID:         uuid.NewString(),
		KeyID:      key.ID,
		AdmittedAt: now,
		month:      month,
		state:      st,
	}
	if key.RateLimitRPM > 0 {
		st.admits = append(st.admits, now)
		t.RateLimit = key.RateLimitRPM
		t.RateRemaining = key.RateLimitRPM - len(st.admits)
	}

	return t, nil
}

// Release frees the ticket's concurrency slot and charges actualCost to the
// billing month the request was admitted in. It returns false if the ticket
// was already released.
func (e *Engine) Release(t *Ticket, actualCost decimal.Decimal, succeeded bool) bool {
	if t == nil || t.state == nil || !t.released.CompareAndSwap(false, true) {
		return false
	}

	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight > 0 {
		st.inFlight--
	}

	if !succeeded && !e.billFailures {
		return true
	}
	if !actualCost.IsPositive() {
		return true
	}

	st.rollTo(t.month)
	if st.month == t.month {
		st.spent = st.spent.Add(actualCost)
		st.dirty = true
	}
	// a ticket from an already closed month is recorded by the ledger only

	return true
}

// KeyStats is a point-in-time view of one key's counters
type KeyStats struct {
	InFlight    int
	WindowCount int
	Month       string
	Spent       decimal.Decimal
}

// Stats returns the current counters for keyID. Unknown keys report zeros.
func (e *Engine) Stats(keyID string) KeyStats {
	now := e.now()
	month := monthOf(now)

	e.mu.RLock()
	st, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return KeyStats{Month: month.String(), Spent: decimal.Zero}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.rollTo(month)
	st.prune(now, e.window)
	return KeyStats{
		InFlight:    st.inFlight,
		WindowCount: len(st.admits),
		Month:       st.month.String(),
		Spent:       st.spent,
	}
}

// Restore loads the current month's spend from the SpendStore. Loaded values
// never lower an accumulator that is already higher.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	month := monthOf(e.now())
	spend, err := e.store.LoadSpend(ctx, month.String())
	if err != nil {
		return fmt.Errorf("failed to load spend for %s: %w", month, err)
	}

	for keyID, amount := range spend {
		st := e.state(keyID)
		st.mu.Lock()
		st.rollTo(month)
		if st.month == month && amount.GreaterThan(st.spent) {
			st.spent = amount
		}
		st.mu.Unlock()
	}

	e.logger.Info("restored monthly spend", zap.String("month", month.String()), zap.Int("keys", len(spend)))
	return nil
}

// Flush writes every changed accumulator to the SpendStore. Snapshots are
// taken under each key's lock; the writes happen after it is released.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.RLock()
	states := make(map[string]*keyState, len(e.keys))
	for id, st := range e.keys {
		states[id] = st
	}
	e.mu.RUnlock()

	var errs []error
	for keyID, st := range states {
		for _, snap := range st.takeDirty() {
			if err := e.store.SaveSpend(ctx, snap.month.String(), keyID, snap.amount); err != nil {
				st.restoreDirty(snap)
				errs = append(errs, fmt.Errorf("key %s: %w", keyID, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Run flushes spend every interval until ctx is done, then flushes once more
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if e.store == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Flush(flushCtx); err != nil {
				e.logger.Error("final spend flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				e.logger.Warn("spend flush failed", zap.Error(err))
			}
		}
	}
}

// state returns (or creates) the accounting state for keyID
func (e *Engine) state(keyID string) *keyState {
	e.mu.RLock()
	st, ok := e.keys[keyID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok = e.keys[keyID]; ok {
		return st
	}
	st = &keyState{spent: decimal.Zero}
	e.keys[keyID] = st
	return st
}
