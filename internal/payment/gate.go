package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"time"

	"github.com/agentgate/gateway/internal/money"
)

// State names the 402 machine positions. State is per-response: the
// gateway holds nothing across connections, the agent retries with a
// payment header.
type State string

const (
	StateIdle       State = "IDLE"
	StateChallenged State = "CHALLENGED"
	StateVerified   State = "VERIFIED"
	StateSettled    State = "SETTLED"
	StateDone       State = "DONE"
	StateRejected   State = "REJECTED"
)

// Decision is the gate's verdict for one request.
type Decision struct {
	State State
	// Challenge is set when the response must be 402 with the payment
	// requirements object.
	Challenge *Requirements
	// Context is set after a successful verify; Settle consumes it.
	Context *VerifyResult
	// Passthrough marks the degraded mode where the facilitator was
	// unreachable at startup: the request proceeds unpaid.
	Passthrough bool
	// RejectReason explains a REJECTED state (facilitator said no).
	RejectReason string
}

// Gate drives challenge/verify/settle for priced routes.
type Gate struct {
	fac       Facilitator
	payTo     string
	network   string
	scheme    string
	available bool
	logger    *log.Logger
}

// NewGate constructs the gate. available=false degrades paid routes to
// pass-through (startup probe found the facilitator down); a warning is
// logged once here and per-request at Evaluate.
func NewGate(fac Facilitator, payTo, network, scheme string, available bool) *Gate {
	g := &Gate{
		fac:       fac,
		payTo:     payTo,
		network:   network,
		scheme:    scheme,
		available: available,
		logger:    log.New(log.Writer(), "[PaymentGate] ", log.LstdFlags),
	}
	if !available {
		g.logger.Printf("⚠️ facilitator unavailable: paid routes degrade to pass-through")
	}
	return g
}

// Available reports whether the facilitator answered the startup probe.
func (g *Gate) Available() bool { return g.available }

// Requirements builds the payment requirements object for a resource.
func (g *Gate) Requirements(priceMicro int64, resource string) Requirements {
	return Requirements{
		Scheme:            g.scheme,
		MaxAmountRequired: money.FormatUSDC(priceMicro),
		Network:           g.network,
		PayTo:             g.payTo,
		Resource:          resource,
	}
}

// EncodeRequirements renders the requirements object base64-JSON for
// the payment-required response header.
func EncodeRequirements(r Requirements) string {
	data, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(data)
}

// Evaluate inspects one request against a priced route.
//
//	paymentHeader — raw X-Payment value ("" when absent).
//	priceMicro    — route price; 0 short-circuits to DONE.
//	resource      — matched request path, echoed in the challenge.
func (g *Gate) Evaluate(ctx context.Context, paymentHeader string, priceMicro int64, resource string) Decision {
	if priceMicro == 0 {
		return Decision{State: StateDone}
	}
	if !g.available {
		g.logger.Printf("⚠️ pass-through for %s: facilitator down", resource)
		return Decision{State: StateDone, Passthrough: true}
	}
	reqs := g.Requirements(priceMicro, resource)
	if paymentHeader == "" {
		return Decision{State: StateChallenged, Challenge: &reqs}
	}

	verified, err := g.fac.Verify(ctx, paymentHeader, reqs)
	if err != nil {
		g.logger.Printf("verify failed for %s: %v", resource, err)
		return Decision{State: StateRejected, RejectReason: "facilitator verify error: " + err.Error()}
	}
	if !verified.Valid {
		return Decision{State: StateRejected, RejectReason: "payment rejected: " + verified.InvalidReason}
	}
	return Decision{State: StateVerified, Context: verified}
}

// Settle captures the payment after a successful upstream response.
// Settlement failure is logged, not propagated; the response already
// went out and the receipt carries nulls plus the explanation.
func (g *Gate) Settle(ctx context.Context, d *Decision) *SettleResult {
	if d == nil || d.Context == nil {
		return nil
	}
	settleCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	res, err := g.fac.Settle(settleCtx, d.Context)
	if err != nil {
		g.logger.Printf("⚠️ settle failed: %v", err)
		return &SettleResult{Success: false, ErrorReason: err.Error()}
	}
	if !res.Success {
		g.logger.Printf("⚠️ settle declined: %s", res.ErrorReason)
		return res
	}
	d.State = StateSettled
	g.logger.Printf("💰 settled %s on %s (tx=%s)", d.Context.requirements.MaxAmountRequired, g.network, res.TxHash)
	return res
}
