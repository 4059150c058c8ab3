package receipt

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(tool string, outcome Outcome, price string, latency int64) *Receipt {
	r := New(time.Now(), "eip155:84532")
	r.ToolID = tool
	r.Outcome = outcome
	r.PriceUSDC = price
	r.ReasonCode = ReasonOK
	r.LatencyMS = &latency
	return r
}

func TestStoreAppendAndQuery(t *testing.T) {
	s := NewStore(100)
	s.Append(sample("a", OutcomeSuccess, "0.01", 10))
	s.Append(sample("b", OutcomeDenied, "0.00", 5))
	s.Append(sample("a", OutcomeSuccess, "0.02", 20))

	all := s.Query(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ToolID, "newest first")
	assert.Equal(t, "0.02", all[0].PriceUSDC)

	onlyA := s.Query(Filter{ToolID: "a"})
	assert.Len(t, onlyA, 2)

	denied := s.Query(Filter{Outcome: OutcomeDenied})
	require.Len(t, denied, 1)
	assert.Equal(t, "b", denied[0].ToolID)
}

func TestStorePagination(t *testing.T) {
	s := NewStore(100)
	for i := 0; i < 10; i++ {
		s.Append(sample(fmt.Sprintf("t%d", i), OutcomeSuccess, "0.00", 1))
	}
	page := s.Query(Filter{Limit: 3, Offset: 2})
	require.Len(t, page, 3)
	assert.Equal(t, "t7", page[0].ToolID)
	assert.Equal(t, "t5", page[2].ToolID)
}

func TestStoreRingEviction(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Append(sample(fmt.Sprintf("t%d", i), OutcomeSuccess, "0.01", 1))
	}
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, int64(5), s.Total(), "lifetime count survives eviction")

	all := s.Query(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "t4", all[0].ToolID)
	assert.Equal(t, "t2", all[2].ToolID)

	// Aggregates cover all five appends, not just the retained three.
	assert.Equal(t, "0.05", s.Stats().TotalRevenueUSDC)
}

func TestStoreStats(t *testing.T) {
	s := NewStore(100)
	s.Append(sample("a", OutcomeSuccess, "0.01", 10))
	s.Append(sample("a", OutcomeSuccess, "1.50", 30))
	s.Append(sample("b", OutcomeDenied, "0.00", 2))
	s.Append(sample("c", OutcomeError, "0.00", 0))

	stats := s.Stats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.DeniedCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, "50.00%", stats.SuccessRate)
	assert.InDelta(t, 10.5, stats.AvgLatencyMS, 0.001)
	assert.Equal(t, "1.51", stats.TotalRevenueUSDC)
}

func TestStoreStatsEmpty(t *testing.T) {
	s := NewStore(10)
	stats := s.Stats()
	assert.Equal(t, "0.00%", stats.SuccessRate)
	assert.Equal(t, "0.00", stats.TotalRevenueUSDC)
	assert.Zero(t, stats.AvgLatencyMS)
}

func TestReceiptEncodeHeader(t *testing.T) {
	r := New(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "eip155:8453")
	r.Outcome = OutcomeSuccess
	r.ReasonCode = ReasonOK

	encoded := r.EncodeHeader()
	assert.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "{", "base64, not raw JSON")
	assert.Equal(t, "2026-01-02T03:04:05Z", r.Timestamp)
	assert.Equal(t, "USDC", r.Currency)
	assert.Equal(t, MandateSkipped, r.MandateVerdict)
}
