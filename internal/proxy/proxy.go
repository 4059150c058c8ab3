// Package proxy forwards admitted requests to the route's upstream
// provider with hop-by-hop hygiene and a runtime SSRF re-check.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/gateway/internal/routes"
)

// hop-by-hop headers are never copied in either direction.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// gateway control headers stay inside the gateway.
var gatewayHeaders = map[string]bool{
	"X-Payment":                 true,
	"X-Mandate":                 true,
	"X-Request-Idempotency-Key": true,
	"X-Agent-Address":           true,
	"X-Agent-Id":                true,
	"Authorization":             true,
}

// Result is the materialised upstream response. The body is fully read
// so the receipt's response_hash is computable.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration
}

// Forwarder executes upstream calls.
type Forwarder struct {
	client  *http.Client
	maxBody int64
	logger  *log.Logger
}

// NewForwarder builds a forwarder. maxBody bounds the materialised
// response (and request) body size; <=0 selects 1 MiB.
func NewForwarder(client *http.Client, maxBody int64) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Forwarder{
		client:  client,
		maxBody: maxBody,
		logger:  log.New(log.Writer(), "[Proxy] ", log.LstdFlags),
	}
}

// Forward sends the admitted request upstream. The target is
// backend_url + the matched inbound path (parameters are not
// re-expanded); upstream 5xx and transport failures both return an
// error so the payment gate can skip settlement.
func (f *Forwarder) Forward(ctx context.Context, rule *routes.Rule, inbound *http.Request, body []byte) (*Result, error) {
	target := strings.TrimRight(rule.Provider.BackendURL, "/") + inbound.URL.Path
	if inbound.URL.RawQuery != "" {
		target += "?" + inbound.URL.RawQuery
	}

	if !rule.SkipSSRF {
		if err := routes.CheckBackendURL(ctx, target); err != nil {
			return nil, err
		}
	}

	var reqBody io.Reader
	if len(body) > 0 && inbound.Method != http.MethodGet && inbound.Method != http.MethodHead {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, inbound.Method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for name, values := range inbound.Header {
		if hopByHop[http.CanonicalHeaderKey(name)] || gatewayHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if auth := rule.Provider.Auth; auth != nil && auth.Header != "" {
		req.Header.Set(auth.Header, auth.Value)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Printf("upstream %s failed: %v", rule.Provider.ProviderID, err)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable; a body
	// that does not fit whole voids the charge like any upstream error.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	latency := time.Since(start)

	if int64(len(respBody)) > f.maxBody {
		return nil, fmt.Errorf("upstream response exceeds %d byte limit", f.maxBody)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		Latency:     latency,
	}, nil
}
