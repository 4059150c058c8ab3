// Package mandate verifies AP2 spending mandates. Two kinds exist:
//
//   - Bounded mandate (Kind A): per-day budget, tool allowlist, signed
//     over a pipe-joined canonical string.
//   - Intent mandate (Kind B): lifetime budget, merchant allowlist,
//     signed over a deterministically sorted JSON serialization.
//
// The kinds charge logically disjoint ledgers; a single mandate never
// touches both.
package mandate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks an X-Mandate header that cannot be decoded at all.
// The pipeline answers 400 without producing a receipt.
var ErrMalformed = errors.New("malformed mandate header")

// Bounded is Kind A: a per-day spending authorization bound to an
// explicit tool allowlist.
type Bounded struct {
	MandateID          string   `json:"mandate_id"`
	OwnerPubkey        string   `json:"owner_pubkey"` // 0x-address of the signer
	ExpiresAt          string   `json:"expires_at"`   // RFC3339
	MaxSpendUSDCPerDay string   `json:"max_spend_usdc_per_day"`
	AllowlistedToolIDs []string `json:"allowlisted_tool_ids"`
	RequireConfirmOver string   `json:"require_confirm_over,omitempty"`
	Signature          string   `json:"signature"`
}

// IntentContents is the signed payload of an intent mandate. Raw
// preserves the exact JSON for canonical hashing.
type IntentContents struct {
	NaturalLanguageDescription string          `json:"natural_language_description"`
	Budget                     IntentBudget    `json:"budget"`
	Merchants                  []string        `json:"merchants"`
	IntentExpiry               string          `json:"intent_expiry"` // RFC3339
	RequiresRefundability      bool            `json:"requires_refundability"`
	Constraints                json.RawMessage `json:"constraints,omitempty"`
}

// IntentBudget is the lifetime cap. Amount is a decimal string;
// currency USD is treated as USDC with no conversion.
type IntentBudget struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Intent is Kind B: a lifetime-budget mandate scoped to merchants.
type Intent struct {
	Type          string          `json:"type"` // "IntentMandate"
	Contents      IntentContents  `json:"contents"`
	RawContents   json.RawMessage `json:"-"`
	UserSignature string          `json:"user_signature"`
	Timestamp     string          `json:"timestamp"`
	SignerAddress string          `json:"signer_address"`
}

// Decoded is the tagged variant the verifier dispatches on. Exactly one
// of Bounded/Intent is non-nil.
type Decoded struct {
	Bounded *Bounded
	Intent  *Intent
}

// Decode parses a raw X-Mandate header (base64-encoded JSON) and
// dispatches on shape: type=="IntentMandate" selects Kind B, anything
// else Kind A. Undecodable input returns ErrMalformed.
func Decode(raw string) (*Decoded, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Peek the tag and keep contents raw for canonical hashing.
	var probe struct {
		Type     string          `json:"type"`
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if probe.Type == "IntentMandate" {
		var m Intent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.RawContents = probe.Contents
		return &Decoded{Intent: &m}, nil
	}

	var m Bounded
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Decoded{Bounded: &m}, nil
}
