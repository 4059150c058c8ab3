package receipt

import (
	"fmt"
	"sync"

	"github.com/agentgate/gateway/internal/money"
)

// Store is the in-memory, append-only receipt log: a bounded ring plus
// incrementally maintained counters so Stats never scans.
type Store struct {
	mu   sync.Mutex
	ring []*Receipt
	head int // next write position once the ring is full
	full bool
	cap  int

	total        int64
	successCount int64
	deniedCount  int64
	errorCount   int64
	latencySumMS int64
	latencyCount int64
	revenueMicro int64
}

// Filter narrows a Query.
type Filter struct {
	ToolID  string
	Outcome Outcome
	Limit   int
	Offset  int
}

// Stats is the aggregate view served by the admin surface.
type Stats struct {
	TotalRequests    int64   `json:"total_requests"`
	SuccessCount     int64   `json:"success_count"`
	DeniedCount      int64   `json:"denied_count"`
	ErrorCount       int64   `json:"error_count"`
	SuccessRate      string  `json:"success_rate"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	TotalRevenueUSDC string  `json:"total_revenue_usdc"`
}

// NewStore creates a ring-buffered store. cap <= 0 selects the default
// bound of 10000 receipts.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{ring: make([]*Receipt, 0, capacity), cap: capacity}
}

// Append records a finalized receipt. When the ring is full the oldest
// entry is evicted; counters are never rolled back by eviction.
func (s *Store) Append(r *Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ring) < s.cap {
		s.ring = append(s.ring, r)
	} else {
		s.ring[s.head] = r
		s.head = (s.head + 1) % s.cap
		s.full = true
	}

	s.total++
	switch r.Outcome {
	case OutcomeSuccess:
		s.successCount++
		if m, err := money.ParseUSDC(r.PriceUSDC); err == nil {
			s.revenueMicro += m
		}
	case OutcomeDenied:
		s.deniedCount++
	case OutcomeError:
		s.errorCount++
	}
	if r.LatencyMS != nil {
		s.latencySumMS += *r.LatencyMS
		s.latencyCount++
	}
}

// Query returns receipts newest-first, filtered and paginated.
func (s *Store) Query(f Filter) []*Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	var out []*Receipt
	skipped := 0
	for i := 0; i < len(s.ring); i++ {
		r := s.at(len(s.ring) - 1 - i) // newest first
		if f.ToolID != "" && r.ToolID != f.ToolID {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if len(out) >= f.Limit {
			break
		}
	}
	return out
}

// at maps a logical index (0 = oldest) to the ring slot.
func (s *Store) at(i int) *Receipt {
	if !s.full {
		return s.ring[i]
	}
	return s.ring[(s.head+i)%s.cap]
}

// Count returns the number of receipts currently retained.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}

// Total returns the lifetime receipt count (not reduced by eviction).
func (s *Store) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Stats reports the incrementally maintained aggregates.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate := "0.00%"
	if s.total > 0 {
		rate = fmt.Sprintf("%.2f%%", float64(s.successCount)/float64(s.total)*100)
	}
	var avg float64
	if s.latencyCount > 0 {
		avg = float64(s.latencySumMS) / float64(s.latencyCount)
	}
	return Stats{
		TotalRequests:    s.total,
		SuccessCount:     s.successCount,
		DeniedCount:      s.deniedCount,
		ErrorCount:       s.errorCount,
		SuccessRate:      rate,
		AvgLatencyMS:     avg,
		TotalRevenueUSDC: money.FormatUSDC(s.revenueMicro),
	}
}
