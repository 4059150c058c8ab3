// Package routes holds the gateway's dispatch table: priced route rules
// compiled into a copy-on-write matcher with SSRF-safe backend
// validation.
package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agentgate/gateway/internal/money"
)

// Auth is an optional provider auth header injected on upstream calls.
type Auth struct {
	Header string `json:"header" yaml:"header"`
	Value  string `json:"value" yaml:"value"`
}

// Provider binds a rule to its upstream backend.
type Provider struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	BackendURL string `json:"backend_url" yaml:"backend_url"`
	Auth       *Auth  `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Rule is one priced route. Path templates may contain :name segments
// that bind values for later pipeline stages.
type Rule struct {
	ToolID      string   `json:"tool_id" yaml:"tool_id"`
	Method      string   `json:"method" yaml:"method"`
	Path        string   `json:"path" yaml:"path"`
	PriceUSDC   string   `json:"price_usdc" yaml:"price_usdc"`
	Provider    Provider `json:"provider" yaml:"provider"`
	Group       string   `json:"group,omitempty" yaml:"group,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Restricted  bool     `json:"restricted,omitempty" yaml:"restricted,omitempty"`
	// SkipSSRF is the admin escape hatch for test routes pointing at
	// loopback backends.
	SkipSSRF bool `json:"_skip_ssrf,omitempty" yaml:"_skip_ssrf,omitempty"`

	priceMicro int64
}

// PriceMicro returns the compiled price in micro-USDC.
func (r *Rule) PriceMicro() int64 { return r.priceMicro }

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodDelete: true, http.MethodPatch: true, http.MethodHead: true,
	http.MethodOptions: true,
}

// Validate normalises and checks a single rule in isolation. Uniqueness
// and SSRF checks happen at table compile time.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ToolID) == "" {
		return fmt.Errorf("rule missing tool_id")
	}
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if !validMethods[r.Method] {
		return fmt.Errorf("rule %s: invalid method %q", r.ToolID, r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("rule %s: path must start with /", r.ToolID)
	}
	micro, err := money.ParseUSDC(r.PriceUSDC)
	if err != nil {
		return fmt.Errorf("rule %s: invalid price: %w", r.ToolID, err)
	}
	r.priceMicro = micro
	if r.Provider.BackendURL == "" {
		return fmt.Errorf("rule %s: missing provider.backend_url", r.ToolID)
	}
	if r.Provider.ProviderID == "" {
		return fmt.Errorf("rule %s: missing provider.provider_id", r.ToolID)
	}
	return nil
}

// Redacted returns a copy safe for admin listing: the auth header value
// is masked.
func (r *Rule) Redacted() Rule {
	out := *r
	if out.Provider.Auth != nil {
		auth := *out.Provider.Auth
		auth.Value = "****"
		out.Provider.Auth = &auth
	}
	return out
}
