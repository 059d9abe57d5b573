package services

import "sync/atomic"

// Budget caps the number of external lookups one resolution session may spend.
// It is safe for concurrent use by every row resolved in the session and is
// never shared across sessions.
type Budget struct {
	remaining atomic.Int64
	spent     atomic.Int64
	disabled  atomic.Bool
}

// NewBudget creates a budget allowing limit external lookups.
func NewBudget(limit int) *Budget {
	b := &Budget{}
	if limit > 0 {
		b.remaining.Store(int64(limit))
	}
	return b
}

// TryConsume takes one lookup from the budget. It returns false once the budget
// is exhausted or disabled, and never drives the count negative.
func (b *Budget) TryConsume() bool {
	if b == nil {
		return false
	}
	for {
		if b.disabled.Load() {
			return false
		}
		current := b.remaining.Load()
		if current <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(current, current-1) {
			b.spent.Add(1)
			return true
		}
	}
}

// Refund returns a lookup that was consumed but never sent, for example when
// the lookup client short-circuits on an open circuit.
func (b *Budget) Refund() {
	if b == nil || b.disabled.Load() {
		return
	}
	b.remaining.Add(1)
	b.spent.Add(-1)
}

// Disable stops all further lookups for the session. Used after the lookup
// service rejects the session credential.
func (b *Budget) Disable() {
	if b == nil {
		return
	}
	b.disabled.Store(true)
	b.remaining.Store(0)
}

// Disabled reports whether the session was disabled.
func (b *Budget) Disabled() bool {
	return b != nil && b.disabled.Load()
}

// Remaining returns the number of lookups still available.
func (b *Budget) Remaining() int {
	if b == nil {
		return 0
	}
	return int(b.remaining.Load())
}

// Spent returns the number of lookups consumed so far.
func (b *Budget) Spent() int {
	if b == nil {
		return 0
	}
	return int(b.spent.Load())
}
