package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// billingMonth is a calendar month in UTC
type billingMonth struct {
	year  int
	month time.Month
}

func monthOf(t time.Time) billingMonth {
	t = t.UTC()
	return billingMonth{year: t.Year(), month: t.Month()}
}

func (m billingMonth) isZero() bool {
	return m.year == 0
}

func (m billingMonth) before(o billingMonth) bool {
	if m.year != o.year {
		return m.year < o.year
	}
	return m.month < o.month
}

func (m billingMonth) start() time.Time {
	return time.Date(m.year, m.month, 1, 0, 0, 0, 0, time.UTC)
}

func (m billingMonth) next() billingMonth {
	return monthOf(m.start().AddDate(0, 1, 0))
}

func (m billingMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.year, int(m.month))
}

type spendSnapshot struct {
	month  billingMonth
	amount decimal.Decimal
}

// keyState holds the counters of one key. All fields are guarded by mu.
type keyState struct {
	mu sync.Mutex

	inFlight int
	admits   []time.Time // ascending admission times inside the window

	month billingMonth
	spent decimal.Decimal
	dirty bool

	// closed holds a previous month's total that changed but was not yet flushed
	closed *spendSnapshot
}

// rollTo moves the accumulator forward to month m. Moving backwards is a no-op.
func (s *keyState) rollTo(m billingMonth) {
	if !s.month.isZero() && !s.month.before(m) {
		return
	}
	if s.dirty && !s.month.isZero() {
		s.closed = &spendSnapshot{month: s.month, amount: s.spent}
	}
	s.month = m
	s.spent = decimal.Zero
	s.dirty = false
}

// prune drops admissions that are no longer inside the window ending at now
func (s *keyState) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(s.admits) && now.Sub(s.admits[i]) >= window {
		i++
	}
	if i > 0 {
		s.admits = append(s.admits[:0], s.admits[i:]...)
	}
}

func (s *keyState) takeDirty() []spendSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []spendSnapshot
	if s.closed != nil {
		out = append(out, *s.closed)
		s.closed = nil
	}
	if s.dirty {
		out = append(out, spendSnapshot{month: s.month, amount: s.spent})
		s.dirty = false
	}
	return out
}

// restoreDirty marks a snapshot for another flush attempt after a failed write
func (s *keyState) restoreDirty(snap spendSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.month == s.month {
		s.dirty = true
		return
	}
	if s.closed == nil {
		s.closed = &snap
	}
}
