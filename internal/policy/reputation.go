package policy

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentgate/gateway/internal/receipt"
)

// Oracle reads (count, score) for an agent identifier from the
// reputation contract. Tests substitute in-process fakes.
type Oracle interface {
	QueryReputation(ctx context.Context, agentID string) (count, score int64, err error)
}

// ContractOracle calls getReputation(uint256) on the configured
// contract via eth_call.
type ContractOracle struct {
	client   *ethclient.Client
	contract common.Address
	selector []byte
}

// NewContractOracle dials the RPC endpoint. The connection is lazy in
// go-ethereum, so this does not fail on an unreachable node.
func NewContractOracle(rpcURL, contractAddr string) (*ContractOracle, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial reputation rpc: %w", err)
	}
	return &ContractOracle{
		client:   client,
		contract: common.HexToAddress(contractAddr),
		selector: crypto.Keccak256([]byte("getReputation(uint256)"))[:4],
	}, nil
}

// QueryReputation ABI-encodes the call by hand (selector + one uint256
// argument) and decodes the two uint256 return words.
func (o *ContractOracle) QueryReputation(ctx context.Context, agentID string) (int64, int64, error) {
	id, ok := new(big.Int).SetString(agentID, 10)
	if !ok {
		return 0, 0, fmt.Errorf("agent id %q is not a decimal integer", agentID)
	}
	arg := make([]byte, 32)
	id.FillBytes(arg)
	data := append(append([]byte{}, o.selector...), arg...)

	out, err := o.client.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("reputation eth_call: %w", err)
	}
	if len(out) < 64 {
		return 0, 0, fmt.Errorf("reputation call returned %d bytes, want 64", len(out))
	}
	count := new(big.Int).SetBytes(out[:32])
	score := new(big.Int).SetBytes(out[32:64])
	return count.Int64(), score.Int64(), nil
}

// Close releases the RPC connection.
func (o *ContractOracle) Close() {
	o.client.Close()
}

// Checker combines the blacklist with the cached reputation lookup.
type Checker struct {
	Blacklist *Blacklist
	oracle    Oracle
	minScore  int64
	cacheTTL  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRep

	logger *log.Logger
}

type cachedRep struct {
	count, score int64
	fetchedAt    time.Time
}

// Result is a policy denial; nil means the request passes.
type Result struct {
	ReasonCode  string
	Explanation string
}

// NewChecker wires the policy stage. oracle may be nil (reputation
// disabled); minScore only applies when the oracle is set.
func NewChecker(bl *Blacklist, oracle Oracle, minScore int64, now func() time.Time) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{
		Blacklist: bl,
		oracle:    oracle,
		minScore:  minScore,
		cacheTTL:  60 * time.Second,
		now:       now,
		cache:     make(map[string]cachedRep),
		logger:    log.New(log.Writer(), "[AgentPolicy] ", log.LstdFlags),
	}
}

// CheckAddress applies the blacklist to an X-Agent-Address header.
// Empty address skips the check.
func (c *Checker) CheckAddress(addr string) *Result {
	if addr == "" {
		return nil
	}
	if c.Blacklist.Contains(addr) {
		c.logger.Printf("🚫 blocked agent %s", addr)
		return &Result{ReasonCode: receipt.ReasonAgentBlocked, Explanation: fmt.Sprintf("agent %s is blacklisted", addr)}
	}
	return nil
}

// CheckReputation applies the oracle threshold to an X-Agent-Id header.
// Empty id or unconfigured oracle skips; oracle errors fail open with a
// log line. Results are cached ~60s per agent.
func (c *Checker) CheckReputation(ctx context.Context, agentID string) *Result {
	if agentID == "" || c.oracle == nil {
		return nil
	}
	count, score, err := c.lookup(ctx, agentID)
	if err != nil {
		c.logger.Printf("⚠️ reputation lookup failed for %s: %v (allowing)", agentID, err)
		return nil
	}
	if count > 0 && score < c.minScore {
		return &Result{
			ReasonCode:  receipt.ReasonReputationTooLow,
			Explanation: fmt.Sprintf("agent %s score %d below minimum %d (%d reports)", agentID, score, c.minScore, count),
		}
	}
	return nil
}

func (c *Checker) lookup(ctx context.Context, agentID string) (int64, int64, error) {
	c.mu.Lock()
	if entry, ok := c.cache[agentID]; ok && c.now().Sub(entry.fetchedAt) < c.cacheTTL {
		c.mu.Unlock()
		return entry.count, entry.score, nil
	}
	c.mu.Unlock()

	count, score, err := c.oracle.QueryReputation(ctx, agentID)
	if err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	c.cache[agentID] = cachedRep{count: count, score: score, fetchedAt: c.now()}
	c.mu.Unlock()
	return count, score, nil
}
