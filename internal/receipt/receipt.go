// Package receipt builds, stores, and aggregates the signed structured
// record every gateway request produces — admitted or rejected.
package receipt

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeDenied   Outcome = "DENIED"
	OutcomeError    Outcome = "ERROR"
	OutcomeRefunded Outcome = "REFUNDED"
)

// MandateVerdict mirrors the mandate stage's result on the receipt.
type MandateVerdict string

const (
	MandateApproved MandateVerdict = "APPROVED"
	MandateDenied   MandateVerdict = "DENIED"
	MandateSkipped  MandateVerdict = "SKIPPED"
)

// Reason codes identify the first pipeline stage that rejected a
// request, or OK.
const (
	ReasonOK                     = "OK"
	ReasonRouteNotFound          = "ROUTE_NOT_FOUND"
	ReasonRateLimited            = "RATE_LIMITED"
	ReasonReplayDetected         = "REPLAY_DETECTED"
	ReasonInvalidSignature       = "INVALID_SIGNATURE"
	ReasonMandateExpired         = "MANDATE_EXPIRED"
	ReasonEndpointNotAllowlisted = "ENDPOINT_NOT_ALLOWLISTED"
	ReasonMandateBudgetExceeded  = "MANDATE_BUDGET_EXCEEDED"
	ReasonMandateConfirmRequired = "MANDATE_CONFIRM_REQUIRED"
	ReasonIntentBudgetExceeded   = "INTENT_BUDGET_EXCEEDED"
	ReasonMerchantNotMatched     = "MERCHANT_NOT_MATCHED"
	ReasonInvalidPayment         = "INVALID_PAYMENT"
	ReasonAgentBlocked           = "AGENT_BLOCKED"
	ReasonReputationTooLow       = "REPUTATION_TOO_LOW"
	ReasonSSRFBlocked            = "SSRF_BLOCKED"
	ReasonX402UpstreamBlocked    = "X402_UPSTREAM_BLOCKED"
	ReasonUpstreamError          = "UPSTREAM_ERROR_NO_CHARGE"
	ReasonInternalError          = "INTERNAL_ERROR"
)

// Receipt is the auditable record of one request through the pipeline.
type Receipt struct {
	RequestID            string         `json:"request_id"`
	ToolID               string         `json:"tool_id"`
	ProviderID           string         `json:"provider_id"`
	Endpoint             string         `json:"endpoint"`
	Method               string         `json:"method"`
	Timestamp            string         `json:"timestamp"` // ISO-8601 UTC
	PriceUSDC            string         `json:"price_usdc"`
	Currency             string         `json:"currency"`
	Chain                string         `json:"chain"`
	MandateID            *string        `json:"mandate_id"`
	MandateHash          *string        `json:"mandate_hash"`
	MandateVerdict       MandateVerdict `json:"mandate_verdict"`
	ReasonCode           string         `json:"reason_code"`
	PaymentTxHash        *string        `json:"payment_tx_hash"`
	FacilitatorReceiptID *string        `json:"facilitator_receipt_id"`
	RequestHash          string         `json:"request_hash"`
	ResponseHash         *string        `json:"response_hash"`
	LatencyMS            *int64         `json:"latency_ms"`
	Outcome              Outcome        `json:"outcome"`
	Explanation          string         `json:"explanation"`
}

// New allocates a receipt skeleton with identity and clock fields set.
func New(now time.Time, chain string) *Receipt {
	return &Receipt{
		RequestID:      uuid.NewString(),
		Timestamp:      now.UTC().Format(time.RFC3339),
		Currency:       "USDC",
		Chain:          chain,
		MandateVerdict: MandateSkipped,
		PriceUSDC:      "0.00",
	}
}

// EncodeHeader renders the receipt as base64 JSON for the X-Receipt
// response header.
func (r *Receipt) EncodeHeader() string {
	data, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(data)
}

// StrPtr is a convenience for the nullable receipt fields.
func StrPtr(s string) *string { return &s }
