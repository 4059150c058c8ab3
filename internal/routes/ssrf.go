package routes

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSSRFBlocked marks a backend URL that resolves into private or
// reserved address space.
var ErrSSRFBlocked = fmt.Errorf("SSRF_BLOCKED")

// ErrX402Upstream marks a backend that itself answers with an x402
// payment challenge; proxying to it would double-charge the agent.
var ErrX402Upstream = fmt.Errorf("X402_UPSTREAM_BLOCKED")

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		blockedNets = append(blockedNets, n)
	}
}

// blockedIP reports whether ip falls in the private/reserved set.
func blockedIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckBackendURL enforces the SSRF rules on a backend URL. Literal
// hostnames are checked directly; non-literal names are resolved
// best-effort with a short deadline and every resolved address must be
// public. A name that fails to resolve passes this check (the upstream
// probe or the proxy will surface the failure).
func CheckBackendURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid backend_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend_url %q: unsupported scheme %q", raw, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("backend_url %q: missing host", raw)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || host == "0.0.0.0" {
		return fmt.Errorf("%w: %s", ErrSSRFBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("%w: %s", ErrSSRFBlocked, host)
		}
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		// Unresolvable now; not provably private.
		return nil
	}
	for _, a := range addrs {
		if blockedIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRFBlocked, host, a.IP)
		}
	}
	return nil
}

// ProbeUpstream fetches the backend root once at route creation and
// rejects backends that already speak the 402 payment-required pattern.
func ProbeUpstream(ctx context.Context, client *http.Client, backendURL string) error {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backendURL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", backendURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		// Unreachable is not a policy violation; the proxy reports it
		// per-request.
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPaymentRequired || resp.Header.Get("payment-required") != "" {
		return fmt.Errorf("%w: %s", ErrX402Upstream, backendURL)
	}
	return nil
}
