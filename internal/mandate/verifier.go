package mandate

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentgate/gateway/internal/money"
	"github.com/agentgate/gateway/internal/receipt"
)

// Verdict is the mandate stage's result. An APPROVED verdict has
// already charged the respective ledger; the pipeline calls
// Verifier.Revert when a later stage denies or the upstream fails
// without capture.
type Verdict struct {
	Status      receipt.MandateVerdict
	ReasonCode  string
	MandateID   string
	MandateHash string
	Explanation string

	charged    bool
	intentKind bool
	chargeKey  string
	chargeDate string
	priceMicro int64
}

// Verifier dispatches on mandate kind, checks signature, expiry, and
// policy, and performs the atomic budget charge.
type Verifier struct {
	daily    *DailyLedger
	lifetime *LifetimeLedger
	now      func() time.Time
	logger   *log.Logger
}

// NewVerifier wires the verifier to its ledgers. now is injected so
// expiry and daily-rollover tests are deterministic.
func NewVerifier(daily *DailyLedger, lifetime *LifetimeLedger, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		daily:    daily,
		lifetime: lifetime,
		now:      now,
		logger:   log.New(log.Writer(), "[Mandate] ", log.LstdFlags),
	}
}

func skipped() *Verdict {
	return &Verdict{Status: receipt.MandateSkipped, Explanation: "no mandate presented"}
}

func (v *Verifier) deny(id, hash, reason, explanation string) *Verdict {
	v.logger.Printf("denied mandate %s: %s (%s)", id, reason, explanation)
	return &Verdict{
		Status:      receipt.MandateDenied,
		ReasonCode:  reason,
		MandateID:   id,
		MandateHash: hash,
		Explanation: explanation,
	}
}

// Verify runs the full mandate check for one request.
//
//	rawHeader   — X-Mandate header value ("" means no mandate).
//	toolID      — matched route's tool id.
//	priceMicro  — route price at dispatch time.
//	gatewayHost — authoritative merchant name (Kind B check).
//
// ErrMalformed is the only error return; every policy failure is a
// DENIED verdict.
func (v *Verifier) Verify(rawHeader, toolID string, priceMicro int64, gatewayHost string) (*Verdict, error) {
	if rawHeader == "" {
		return skipped(), nil
	}
	dec, err := Decode(rawHeader)
	if err != nil {
		return nil, err
	}
	if dec.Intent != nil {
		return v.verifyIntent(dec.Intent, priceMicro, gatewayHost), nil
	}
	return v.verifyBounded(dec.Bounded, toolID, priceMicro), nil
}

func (v *Verifier) verifyBounded(m *Bounded, toolID string, priceMicro int64) *Verdict {
	hash := HashBounded(m)
	hashHex := "0x" + hex.EncodeToString(hash)

	if err := VerifyPersonalSign(hash, m.Signature, m.OwnerPubkey); err != nil {
		return v.deny(m.MandateID, hashHex, receipt.ReasonInvalidSignature, err.Error())
	}

	expires, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil || !v.now().Before(expires) {
		return v.deny(m.MandateID, hashHex, receipt.ReasonMandateExpired,
			fmt.Sprintf("mandate expired at %s", m.ExpiresAt))
	}

	if !allowlisted(m.AllowlistedToolIDs, toolID) {
		return v.deny(m.MandateID, hashHex, receipt.ReasonEndpointNotAllowlisted,
			fmt.Sprintf("tool %s not in mandate allowlist", toolID))
	}

	maxMicro, err := money.ParseUSDC(m.MaxSpendUSDCPerDay)
	if err != nil {
		return v.deny(m.MandateID, hashHex, receipt.ReasonMandateBudgetExceeded,
			fmt.Sprintf("unparsable max_spend_usdc_per_day: %v", err))
	}

	date := v.today()
	if !v.daily.TryCharge(m.MandateID, priceMicro, maxMicro, date) {
		return v.deny(m.MandateID, hashHex, receipt.ReasonMandateBudgetExceeded,
			fmt.Sprintf("daily spend %s + %s exceeds %s",
				money.FormatUSDC(v.daily.Spent(m.MandateID, date)),
				money.FormatUSDC(priceMicro), m.MaxSpendUSDCPerDay))
	}

	// Confirmation threshold runs after the charge so a budget denial
	// always wins the reason code; the tentative charge is rolled back.
	if m.RequireConfirmOver != "" {
		confirmMicro, err := money.ParseUSDC(m.RequireConfirmOver)
		if err == nil && priceMicro > confirmMicro {
			v.daily.Revert(m.MandateID, priceMicro, date)
			return v.deny(m.MandateID, hashHex, receipt.ReasonMandateConfirmRequired,
				fmt.Sprintf("price %s exceeds confirmation threshold %s",
					money.FormatUSDC(priceMicro), m.RequireConfirmOver))
		}
	}

	return &Verdict{
		Status:      receipt.MandateApproved,
		ReasonCode:  receipt.ReasonOK,
		MandateID:   m.MandateID,
		MandateHash: hashHex,
		Explanation: "bounded mandate approved",
		charged:     true,
		chargeKey:   m.MandateID,
		chargeDate:  date,
		priceMicro:  priceMicro,
	}
}

func (v *Verifier) verifyIntent(m *Intent, priceMicro int64, gatewayHost string) *Verdict {
	hash, err := HashIntent(m)
	if err != nil {
		return v.deny("", "", receipt.ReasonInvalidSignature, err.Error())
	}
	hashHex := "0x" + hex.EncodeToString(hash)
	intentID := IntentID(hash)

	if err := VerifyPersonalSign(hash, m.UserSignature, m.SignerAddress); err != nil {
		return v.deny(intentID, hashHex, receipt.ReasonInvalidSignature, err.Error())
	}

	expires, err := time.Parse(time.RFC3339, m.Contents.IntentExpiry)
	if err != nil || !v.now().Before(expires) {
		return v.deny(intentID, hashHex, receipt.ReasonMandateExpired,
			fmt.Sprintf("intent expired at %s", m.Contents.IntentExpiry))
	}

	if !merchantMatches(m.Contents.Merchants, gatewayHost) {
		return v.deny(intentID, hashHex, receipt.ReasonMerchantNotMatched,
			fmt.Sprintf("gateway %q not in merchants %v", normalizeHost(gatewayHost), m.Contents.Merchants))
	}

	// Currency is USD≡USDC in this version; no conversion.
	budgetMicro, err := money.ParseUSDC(m.Contents.Budget.Amount)
	if err != nil {
		return v.deny(intentID, hashHex, receipt.ReasonIntentBudgetExceeded,
			fmt.Sprintf("unparsable budget amount: %v", err))
	}
	if !v.lifetime.TryCharge(intentID, priceMicro, budgetMicro) {
		return v.deny(intentID, hashHex, receipt.ReasonIntentBudgetExceeded,
			fmt.Sprintf("lifetime spend %s + %s exceeds budget %s",
				money.FormatUSDC(v.lifetime.Spent(intentID)),
				money.FormatUSDC(priceMicro), m.Contents.Budget.Amount))
	}

	return &Verdict{
		Status:      receipt.MandateApproved,
		ReasonCode:  receipt.ReasonOK,
		MandateID:   intentID,
		MandateHash: hashHex,
		Explanation: "intent mandate approved",
		charged:     true,
		intentKind:  true,
		chargeKey:   intentID,
		priceMicro:  priceMicro,
	}
}

// Revert rolls back the ledger charge behind an APPROVED verdict.
// Idempotent; verdicts that never charged are a no-op.
func (v *Verifier) Revert(verdict *Verdict) {
	if verdict == nil || !verdict.charged {
		return
	}
	verdict.charged = false
	if verdict.intentKind {
		v.lifetime.Revert(verdict.chargeKey, verdict.priceMicro)
	} else {
		v.daily.Revert(verdict.chargeKey, verdict.priceMicro, verdict.chargeDate)
	}
}

// SpentToday reports the daily ledger balance for a bounded mandate.
func (v *Verifier) SpentToday(mandateID string) int64 {
	return v.daily.Spent(mandateID, v.today())
}

// SpentLifetime reports the lifetime ledger balance for an intent
// mandate id ("intent-…").
func (v *Verifier) SpentLifetime(intentID string) int64 {
	return v.lifetime.Spent(intentID)
}

// IsIntentID reports whether a ledger key belongs to the lifetime
// ledger.
func IsIntentID(id string) bool { return strings.HasPrefix(id, "intent-") }

func (v *Verifier) today() string {
	return v.now().UTC().Format("2006-01-02")
}

func allowlisted(tools []string, toolID string) bool {
	for _, t := range tools {
		if t == "*" || t == toolID {
			return true
		}
	}
	return false
}

// merchantMatches compares the gateway domain (lowercased, port
// stripped) against the mandate's merchant list, case-insensitively.
// "*" matches any merchant.
func merchantMatches(merchants []string, host string) bool {
	h := normalizeHost(host)
	for _, m := range merchants {
		if m == "*" || normalizeHost(m) == h {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return strings.Trim(h, "[]")
}
