package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/receipt"
)

type fakeOracle struct {
	count, score int64
	err          error
	calls        int
}

func (o *fakeOracle) QueryReputation(ctx context.Context, agentID string) (int64, int64, error) {
	o.calls++
	return o.count, o.score, o.err
}

func TestBlacklist(t *testing.T) {
	bl := NewBlacklist()
	bl.Add("0xAbCd")

	assert.True(t, bl.Contains("0xabcd"))
	assert.True(t, bl.Contains("  0xABCD "))
	assert.False(t, bl.Contains("0xother"))

	assert.Equal(t, []string{"0xabcd"}, bl.List())

	assert.True(t, bl.Remove("0xABCD"))
	assert.False(t, bl.Remove("0xABCD"))
	assert.False(t, bl.Contains("0xabcd"))
}

func TestCheckAddress(t *testing.T) {
	bl := NewBlacklist()
	bl.Add("0xbad")
	c := NewChecker(bl, nil, 0, nil)

	assert.Nil(t, c.CheckAddress(""))
	assert.Nil(t, c.CheckAddress("0xgood"))

	res := c.CheckAddress("0xBAD")
	require.NotNil(t, res)
	assert.Equal(t, receipt.ReasonAgentBlocked, res.ReasonCode)
}

func TestCheckReputationThreshold(t *testing.T) {
	oracle := &fakeOracle{count: 5, score: 40}
	c := NewChecker(NewBlacklist(), oracle, 50, nil)

	res := c.CheckReputation(context.Background(), "123")
	require.NotNil(t, res)
	assert.Equal(t, receipt.ReasonReputationTooLow, res.ReasonCode)

	oracle2 := &fakeOracle{count: 5, score: 80}
	c2 := NewChecker(NewBlacklist(), oracle2, 50, nil)
	assert.Nil(t, c2.CheckReputation(context.Background(), "123"))
}

func TestCheckReputationUnknownAgentPasses(t *testing.T) {
	// count==0 means no reports yet; new agents are not penalized.
	oracle := &fakeOracle{count: 0, score: 0}
	c := NewChecker(NewBlacklist(), oracle, 50, nil)
	assert.Nil(t, c.CheckReputation(context.Background(), "999"))
}

func TestCheckReputationFailsOpen(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("rpc down")}
	c := NewChecker(NewBlacklist(), oracle, 50, nil)
	assert.Nil(t, c.CheckReputation(context.Background(), "123"))
}

func TestCheckReputationSkips(t *testing.T) {
	c := NewChecker(NewBlacklist(), nil, 50, nil)
	assert.Nil(t, c.CheckReputation(context.Background(), "123"), "no oracle configured")

	oracle := &fakeOracle{count: 1, score: 0}
	c2 := NewChecker(NewBlacklist(), oracle, 50, nil)
	assert.Nil(t, c2.CheckReputation(context.Background(), ""), "no agent id")
	assert.Zero(t, oracle.calls)
}

func TestCheckReputationCache(t *testing.T) {
	now := time.Now()
	oracle := &fakeOracle{count: 5, score: 80}
	c := NewChecker(NewBlacklist(), oracle, 50, func() time.Time { return now })

	c.CheckReputation(context.Background(), "123")
	c.CheckReputation(context.Background(), "123")
	assert.Equal(t, 1, oracle.calls, "second lookup served from cache")

	now = now.Add(2 * time.Minute)
	c.CheckReputation(context.Background(), "123")
	assert.Equal(t, 2, oracle.calls, "cache entry expired")
}
