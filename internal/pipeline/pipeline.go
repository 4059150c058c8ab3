// Package pipeline wires the admission stages in their fixed order:
//
//	route-match → idempotency → mandate → payment → agent-policy →
//	upstream-proxy → receipt
//
// Any stage can short-circuit; every terminal verdict produces exactly
// one receipt before the response is written.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/agentgate/gateway/internal/canonical"
	"github.com/agentgate/gateway/internal/mandate"
	"github.com/agentgate/gateway/internal/middleware"
	"github.com/agentgate/gateway/internal/money"
	"github.com/agentgate/gateway/internal/monitoring"
	"github.com/agentgate/gateway/internal/payment"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/proxy"
	"github.com/agentgate/gateway/internal/receipt"
	"github.com/agentgate/gateway/internal/replay"
	"github.com/agentgate/gateway/internal/routes"
)

// Headers consumed from the agent.
const (
	HeaderIdempotencyKey = "X-Request-Idempotency-Key"
	HeaderPayment        = "X-Payment"
	HeaderMandate        = "X-Mandate"
	HeaderAgentAddress   = "X-Agent-Address"
	HeaderAgentID        = "X-Agent-Id"
	HeaderReceipt        = "X-Receipt"
	HeaderPayRequired    = "payment-required"
)

// Options carries the pipeline's tunables.
type Options struct {
	ReplayTTL      time.Duration
	RequestTimeout time.Duration // deadline for the outbound stages; <=0 disables
	MaxBodyBytes   int64
	GatewayDomain  string // empty: fall back to request Host
	Chain          string // network tag recorded on receipts
	Now            func() time.Time
}

// Upstream executes the proxy hop. *proxy.Forwarder is the production
// implementation; tests substitute fakes.
type Upstream interface {
	Forward(ctx context.Context, rule *routes.Rule, inbound *http.Request, body []byte) (*proxy.Result, error)
}

// Pipeline orchestrates one request through all admission stages.
type Pipeline struct {
	table    *routes.Table
	replays  replay.Store
	verifier *mandate.Verifier
	gate     *payment.Gate
	policy   *policy.Checker
	upstream Upstream
	receipts *receipt.Store
	limiter  *middleware.RateLimiter
	metrics  *monitoring.Metrics
	opts     Options
	logger   *log.Logger
}

// New wires the orchestrator. All collaborators are injected; tests
// substitute in-process fakes for the facilitator, oracle, and
// upstream.
func New(
	table *routes.Table,
	replays replay.Store,
	verifier *mandate.Verifier,
	gate *payment.Gate,
	checker *policy.Checker,
	upstream Upstream,
	receipts *receipt.Store,
	limiter *middleware.RateLimiter,
	metrics *monitoring.Metrics,
	opts Options,
) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 5 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Pipeline{
		table:    table,
		replays:  replays,
		verifier: verifier,
		gate:     gate,
		policy:   checker,
		upstream: upstream,
		receipts: receipts,
		limiter:  limiter,
		metrics:  metrics,
		opts:     opts,
		logger:   log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// ServeHTTP handles /api/* dispatch traffic.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := p.opts.Now()
	st := &requestState{
		receipt: receipt.New(now, p.opts.Chain),
		start:   now,
	}
	st.receipt.Method = r.Method
	st.receipt.Endpoint = r.URL.Path

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Printf("💥 panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			st.receipt.Outcome = receipt.OutcomeError
			st.receipt.ReasonCode = receipt.ReasonInternalError
			st.receipt.Explanation = "internal error"
			p.finish(w, st, http.StatusInternalServerError)
		}
	}()

	// Global pre-filter: rate limit per client IP.
	if p.limiter != nil && !p.limiter.Allow(middleware.ClientIP(r)) {
		p.metrics.RateLimited.Inc()
		st.receipt.Outcome = receipt.OutcomeDenied
		st.receipt.ReasonCode = receipt.ReasonRateLimited
		st.receipt.Explanation = "rate limit exceeded"
		p.finish(w, st, http.StatusTooManyRequests)
		return
	}

	// Stage 1: route match.
	match, ok := p.table.Lookup(r.Method, r.URL.Path)
	if !ok {
		st.receipt.Outcome = receipt.OutcomeDenied
		st.receipt.ReasonCode = receipt.ReasonRouteNotFound
		st.receipt.Explanation = "no route matches " + r.Method + " " + r.URL.Path
		p.finish(w, st, http.StatusNotFound)
		return
	}
	st.match = match
	rule := match.Rule
	st.receipt.ToolID = rule.ToolID
	st.receipt.ProviderID = rule.Provider.ProviderID
	st.receipt.PriceUSDC = money.FormatUSDC(rule.PriceMicro())

	// Read one byte past the cap so an oversized body is rejected
	// outright instead of silently truncated.
	body, err := io.ReadAll(io.LimitReader(r.Body, p.opts.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, `{"error":"unreadable request body"}`, http.StatusBadRequest)
		return
	}
	if int64(len(body)) > p.opts.MaxBodyBytes {
		http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}
	st.body = body

	// Outbound stages share one deadline.
	ctx := r.Context()
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}

	st.fingerprint = canonical.Fingerprint(canonical.FingerprintInput{
		Method:         r.Method,
		Path:           r.URL.Path,
		Query:          r.URL.Query(),
		Body:           body,
		PriceUSDC:      money.FormatUSDC(rule.PriceMicro()),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		NowMS:          now.UnixMilli(),
		ReplayTTLMS:    p.opts.ReplayTTL.Milliseconds(),
	})
	st.receipt.RequestHash = st.fingerprint

	// Stage 2: idempotency. Only active when the caller sent a key.
	if r.Header.Get(HeaderIdempotencyKey) != "" {
		seen, err := p.replays.CheckAndRemember(ctx, st.fingerprint, p.opts.ReplayTTL)
		if err != nil {
			p.logger.Printf("⚠️ replay store error: %v (allowing)", err)
		} else if seen {
			p.metrics.ReplayHits.Inc()
			st.receipt.Outcome = receipt.OutcomeDenied
			st.receipt.ReasonCode = receipt.ReasonReplayDetected
			st.receipt.Explanation = "duplicate request within replay window"
			p.finish(w, st, http.StatusConflict)
			return
		}
	}

	// Stage 3: mandate.
	domain := p.opts.GatewayDomain
	if domain == "" {
		domain = r.Host
	}
	verdict, err := p.verifier.Verify(r.Header.Get(HeaderMandate), rule.ToolID, rule.PriceMicro(), domain)
	if err != nil {
		if errors.Is(err, mandate.ErrMalformed) {
			http.Error(w, `{"error":"malformed X-Mandate header"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error":"mandate verification failed"}`, http.StatusBadRequest)
		return
	}
	st.mandateVerdict = verdict
	st.receipt.MandateVerdict = verdict.Status
	if verdict.MandateID != "" {
		st.receipt.MandateID = receipt.StrPtr(verdict.MandateID)
	}
	if verdict.MandateHash != "" {
		st.receipt.MandateHash = receipt.StrPtr(verdict.MandateHash)
	}
	if verdict.Status == receipt.MandateDenied {
		p.metrics.MandateDenials.WithLabelValues(verdict.ReasonCode).Inc()
		st.receipt.Outcome = receipt.OutcomeDenied
		st.receipt.ReasonCode = verdict.ReasonCode
		st.receipt.Explanation = verdict.Explanation
		p.finish(w, st, http.StatusForbidden)
		return
	}

	// Stage 4: payment.
	st.payment = p.gate.Evaluate(ctx, r.Header.Get(HeaderPayment), rule.PriceMicro(), r.URL.Path)
	switch st.payment.State {
	case payment.StateChallenged:
		p.verifier.Revert(st.mandateVerdict)
		st.receipt.Outcome = receipt.OutcomeDenied
		st.receipt.ReasonCode = receipt.ReasonInvalidPayment
		st.receipt.Explanation = "payment required: no payment header presented"
		reqs := *st.payment.Challenge
		w.Header().Set(HeaderPayRequired, payment.EncodeRequirements(reqs))
		p.record(st)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "payment required",
			"accepts": []payment.Requirements{reqs},
			"receipt": st.receipt,
		})
		return
	case payment.StateRejected:
		p.verifier.Revert(st.mandateVerdict)
		st.receipt.Outcome = receipt.OutcomeDenied
		st.receipt.ReasonCode = receipt.ReasonInvalidPayment
		st.receipt.Explanation = st.payment.RejectReason
		p.finish(w, st, http.StatusPaymentRequired)
		return
	}

	// Stage 5: agent policy.
	if res := p.policy.CheckAddress(r.Header.Get(HeaderAgentAddress)); res != nil {
		p.deny(w, st, res)
		return
	}
	if res := p.policy.CheckReputation(ctx, r.Header.Get(HeaderAgentID)); res != nil {
		p.deny(w, st, res)
		return
	}

	// Stage 6: upstream proxy.
	result, err := p.upstream.Forward(ctx, rule, r, body)
	if err != nil {
		// No capture: skip settle, revert the tentative mandate charge.
		p.verifier.Revert(st.mandateVerdict)
		st.receipt.Outcome = receipt.OutcomeError
		st.receipt.ReasonCode = receipt.ReasonUpstreamError
		st.receipt.PriceUSDC = "0.00"
		st.receipt.Explanation = "upstream failed before capture: " + err.Error()
		p.finish(w, st, http.StatusBadGateway)
		return
	}
	p.metrics.UpstreamLatency.Observe(result.Latency.Seconds())

	// Caller gone (or deadline hit) between upstream and settle: void
	// the charge rather than bill for a response nobody received.
	if ctx.Err() != nil {
		p.verifier.Revert(st.mandateVerdict)
		st.receipt.Outcome = receipt.OutcomeError
		st.receipt.ReasonCode = receipt.ReasonUpstreamError
		st.receipt.PriceUSDC = "0.00"
		st.receipt.Explanation = "request abandoned before settlement: " + ctx.Err().Error()
		p.finish(w, st, http.StatusBadGateway)
		return
	}

	// Settlement happens after the upstream succeeded; failures are
	// logged and the receipt carries nulls. Settle is not abandoned on
	// a late client disconnect once we commit to capture.
	if st.payment.Context != nil {
		settled := p.gate.Settle(context.WithoutCancel(ctx), &st.payment)
		if settled != nil && settled.Success {
			st.receipt.PaymentTxHash = receipt.StrPtr(settled.TxHash)
			if settled.ReceiptID != "" {
				st.receipt.FacilitatorReceiptID = receipt.StrPtr(settled.ReceiptID)
			}
		} else if settled != nil {
			st.receipt.Explanation = "settlement failed: " + settled.ErrorReason
		}
	}

	// Stage 7: receipt + response.
	latency := p.opts.Now().Sub(st.start).Milliseconds()
	respHash := canonical.Keccak256Hex(result.Body)
	st.receipt.Outcome = receipt.OutcomeSuccess
	st.receipt.ReasonCode = receipt.ReasonOK
	st.receipt.ResponseHash = receipt.StrPtr(respHash)
	st.receipt.LatencyMS = &latency
	if st.receipt.Explanation == "" {
		st.receipt.Explanation = "request proxied successfully"
	}
	p.record(st)
	p.metrics.RecordRevenue(float64(rule.PriceMicro()) / money.MicroPerUSDC)

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.Header().Set(HeaderReceipt, st.receipt.EncodeHeader())
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// deny ends the request at the agent-policy stage.
func (p *Pipeline) deny(w http.ResponseWriter, st *requestState, res *policy.Result) {
	p.verifier.Revert(st.mandateVerdict)
	st.receipt.Outcome = receipt.OutcomeDenied
	st.receipt.ReasonCode = res.ReasonCode
	st.receipt.Explanation = res.Explanation
	p.finish(w, st, http.StatusForbidden)
}

// record stores the receipt and updates metrics exactly once.
func (p *Pipeline) record(st *requestState) {
	p.receipts.Append(st.receipt)
	p.metrics.RecordRequest(string(st.receipt.Outcome), st.receipt.ReasonCode,
		p.opts.Now().Sub(st.start).Seconds())
}

// finish records the receipt and writes it as the JSON body (denied and
// error responses carry the receipt in the body, not the header).
func (p *Pipeline) finish(w http.ResponseWriter, st *requestState, status int) {
	p.record(st)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(st.receipt)
}
