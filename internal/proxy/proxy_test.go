package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/routes"
)

func upstreamRule(backendURL string) *routes.Rule {
	return &routes.Rule{
		ToolID:    "echo",
		Method:    "POST",
		Path:      "/api/echo",
		PriceUSDC: "0",
		SkipSSRF:  true, // httptest binds loopback
		Provider: routes.Provider{
			ProviderID: "prov-1",
			BackendURL: backendURL,
		},
	}
}

func TestForwardHappyPath(t *testing.T) {
	var gotPath, gotQuery, gotAccept string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 0)
	inbound := httptest.NewRequest("POST", "http://gw.example.com/api/echo?x=1", nil)
	inbound.Header.Set("Accept", "application/json")
	inbound.Header.Set("X-Payment", "secret-blob")
	inbound.Header.Set("X-Mandate", "mandate-blob")
	inbound.Header.Set("Authorization", "Bearer caller-token")

	res, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, []byte(`{"in":1}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
	assert.Greater(t, res.Latency, time.Duration(0))

	assert.Equal(t, "/api/echo", gotPath)
	assert.Equal(t, "x=1", gotQuery)
	assert.JSONEq(t, `{"in":1}`, string(gotBody))
	assert.Equal(t, "application/json", gotAccept)
}

func TestForwardStripsGatewayHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 0)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	inbound.Header.Set("X-Payment", "secret")
	inbound.Header.Set("X-Mandate", "secret")
	inbound.Header.Set("X-Request-Idempotency-Key", "key")
	inbound.Header.Set("X-Agent-Address", "0xagent")
	inbound.Header.Set("Authorization", "Bearer caller")
	inbound.Header.Set("X-Custom", "kept")

	_, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, nil)
	require.NoError(t, err)

	for _, h := range []string{"X-Payment", "X-Mandate", "X-Request-Idempotency-Key", "X-Agent-Address", "Authorization"} {
		assert.Empty(t, got.Get(h), h)
	}
	assert.Equal(t, "kept", got.Get("X-Custom"))
}

func TestForwardInjectsProviderAuth(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Api-Key")
	}))
	defer srv.Close()

	rule := upstreamRule(srv.URL)
	rule.Provider.Auth = &routes.Auth{Header: "X-Api-Key", Value: "provider-secret"}

	f := NewForwarder(srv.Client(), 0)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	_, err := f.Forward(context.Background(), rule, inbound, nil)
	require.NoError(t, err)
	assert.Equal(t, "provider-secret", got)
}

func TestForwardUpstream5xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 0)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	_, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestForwardUpstream4xxPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"missing"}`))
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 0)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	res, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestForwardTransportError(t *testing.T) {
	f := NewForwarder(&http.Client{Timeout: time.Second}, 0)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	_, err := f.Forward(context.Background(), upstreamRule("http://127.0.0.1:1"), inbound, nil)
	assert.Error(t, err)
}

func TestForwardRuntimeSSRFCheck(t *testing.T) {
	f := NewForwarder(nil, 0)
	rule := upstreamRule("http://169.254.169.254")
	rule.SkipSSRF = false

	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	_, err := f.Forward(context.Background(), rule, inbound, nil)
	assert.ErrorIs(t, err, routes.ErrSSRFBlocked)
}

func TestForwardOversizedUpstreamBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 1024)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	_, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, nil)
	require.Error(t, err, "a body that does not fit whole is never truncated silently")
	assert.Contains(t, err.Error(), "exceeds")
}

func TestForwardBodyExactlyAtCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	f := NewForwarder(srv.Client(), 1024)
	inbound := httptest.NewRequest("GET", "http://gw.example.com/api/echo", nil)
	res, err := f.Forward(context.Background(), upstreamRule(srv.URL), inbound, nil)
	require.NoError(t, err)
	assert.Len(t, res.Body, 1024)
}
