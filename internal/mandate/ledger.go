package mandate

import (
	"sync"
)

// DailyLedger tracks per-mandate spend for the current UTC date. The
// amount rolls to zero when the date changes; the check and the
// conditional increment are a single critical section so concurrent
// requests on one mandate stay linearizable.
type DailyLedger struct {
	mu      sync.Mutex
	entries map[string]*dailyEntry
}

type dailyEntry struct {
	date  string // "2006-01-02" UTC
	micro int64
}

// NewDailyLedger creates an empty daily ledger.
func NewDailyLedger() *DailyLedger {
	return &DailyLedger{entries: make(map[string]*dailyEntry)}
}

// TryCharge adds price to the mandate's spend for date unless that
// would exceed max. Returns false (and leaves the ledger untouched) on
// a budget violation.
func (l *DailyLedger) TryCharge(mandateID string, price, max int64, date string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[mandateID]
	if !ok || e.date != date {
		e = &dailyEntry{date: date}
		l.entries[mandateID] = e
	}
	if e.micro+price > max {
		return false
	}
	e.micro += price
	return true
}

// Revert undoes a successful TryCharge after a later stage denied or
// the upstream failed without capture.
func (l *DailyLedger) Revert(mandateID string, price int64, date string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[mandateID]; ok && e.date == date {
		e.micro -= price
		if e.micro < 0 {
			e.micro = 0
		}
	}
}

// Spent returns the amount charged against mandateID on date.
func (l *DailyLedger) Spent(mandateID, date string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[mandateID]; ok && e.date == date {
		return e.micro
	}
	return 0
}

// LifetimeLedger tracks cumulative spend per intent mandate. It only
// resets at process restart.
type LifetimeLedger struct {
	mu      sync.Mutex
	entries map[string]int64
}

// NewLifetimeLedger creates an empty lifetime ledger.
func NewLifetimeLedger() *LifetimeLedger {
	return &LifetimeLedger{entries: make(map[string]int64)}
}

// TryCharge adds price unless the lifetime budget would be exceeded.
func (l *LifetimeLedger) TryCharge(intentID string, price, budget int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[intentID]+price > budget {
		return false
	}
	l.entries[intentID] += price
	return true
}

// Revert undoes a successful TryCharge.
func (l *LifetimeLedger) Revert(intentID string, price int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[intentID] -= price
	if l.entries[intentID] < 0 {
		l.entries[intentID] = 0
	}
}

// Spent returns the cumulative charge for intentID.
func (l *LifetimeLedger) Spent(intentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[intentID]
}
