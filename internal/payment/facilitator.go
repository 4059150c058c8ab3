// Package payment implements the 402 challenge/verify/settle state
// machine around a pluggable micropayment facilitator.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Requirements is the payment requirements object sent to the agent in
// a 402 challenge and forwarded to the facilitator on verify.
type Requirements struct {
	Scheme            string `json:"scheme"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
}

// VerifyResult is the facilitator's verdict on a payment payload, plus
// the context settle() needs.
type VerifyResult struct {
	Valid         bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`

	// carried through to Settle
	payload      string
	requirements Requirements
}

// SettleResult reports an on-chain settlement.
type SettleResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"transaction,omitempty"`
	ReceiptID   string `json:"receiptId,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Facilitator verifies and settles micropayments on behalf of the
// gateway. Tests substitute in-process fakes.
type Facilitator interface {
	Verify(ctx context.Context, payload string, reqs Requirements) (*VerifyResult, error)
	Settle(ctx context.Context, v *VerifyResult) (*SettleResult, error)
}

// HTTPFacilitator talks JSON to an external facilitator service
// (POST /verify, POST /settle).
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator builds the client. baseURL has any trailing slash
// stripped.
func NewHTTPFacilitator(baseURL string, client *http.Client) *HTTPFacilitator {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFacilitator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type facilitatorRequest struct {
	PaymentPayload string       `json:"paymentPayload"`
	Requirements   Requirements `json:"paymentRequirements"`
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator %s read: %w", path, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("facilitator %s decode: %w", path, err)
	}
	return nil
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payload string, reqs Requirements) (*VerifyResult, error) {
	var res VerifyResult
	if err := f.post(ctx, "/verify", facilitatorRequest{PaymentPayload: payload, Requirements: reqs}, &res); err != nil {
		return nil, err
	}
	res.payload = payload
	res.requirements = reqs
	return &res, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, v *VerifyResult) (*SettleResult, error) {
	var res SettleResult
	if err := f.post(ctx, "/settle", facilitatorRequest{PaymentPayload: v.payload, Requirements: v.requirements}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reachable probes the facilitator base URL once at startup. Any HTTP
// answer counts as reachable; only transport errors mean down.
func (f *HTTPFacilitator) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		slog.Warn("facilitator unreachable", "url", f.baseURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
