package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/mandate"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/receipt"
	"github.com/agentgate/gateway/internal/routes"
)

type adminHarness struct {
	router    *mux.Router
	cfg       *config.Config
	table     *routes.Table
	receipts  *receipt.Store
	blacklist *policy.Blacklist
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	cfg := &config.Config{
		Port:            4402,
		FacilitatorURL:  "http://facilitator.example.com",
		PayToAddress:    "0x1234567890abcdef1234567890abcdef12345678",
		Network:         "base-sepolia",
		AdminKey:        "test-admin-key",
		ReplayTTL:       5 * time.Minute,
		RateLimitPerMin: 100,
	}
	table, err := routes.NewTable(context.Background(), []routes.Rule{{
		ToolID:    "seed-route",
		Method:    "GET",
		Path:      "/api/seed",
		PriceUSDC: "0.01",
		Provider:  routes.Provider{ProviderID: "prov-1", BackendURL: "https://upstream.example.com"},
	}}, true)
	require.NoError(t, err)

	receipts := receipt.NewStore(100)
	bl := policy.NewBlacklist()
	verifier := mandate.NewVerifier(mandate.NewDailyLedger(), mandate.NewLifetimeLedger(), nil)

	router := mux.NewRouter()
	NewServer(cfg, table, receipts, bl, verifier, nil).Register(router)
	return &adminHarness{router: router, cfg: cfg, table: table, receipts: receipts, blacklist: bl}
}

func (h *adminHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+h.cfg.AdminKey)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	h := newAdminHarness(t)

	req := httptest.NewRequest("GET", "/admin/health", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no token")

	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token")

	rec = h.do(t, "GET", "/admin/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminHealth(t *testing.T) {
	h := newAdminHarness(t)
	rec := h.do(t, "GET", "/admin/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["route_count"])
}

func TestAdminConfigMasksPayTo(t *testing.T) {
	h := newAdminHarness(t)
	rec := h.do(t, "GET", "/admin/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0x12...5678", body["pay_to_address"])
	assert.Equal(t, "eip155:84532", body["chain"])
	assert.NotContains(t, rec.Body.String(), h.cfg.PayToAddress)
}

func TestAdminRouteCRUD(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "POST", "/admin/routes", routes.Rule{
		ToolID:    "new-route",
		Method:    "POST",
		Path:      "/api/new",
		PriceUSDC: "0.05",
		Provider:  routes.Provider{ProviderID: "prov-2", BackendURL: "https://api.other.example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, h.table.Count())

	rec = h.do(t, "PUT", "/admin/routes/new-route", map[string]string{"price_usdc": "0.10"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ := h.table.Get("new-route")
	assert.Equal(t, "0.10", got.PriceUSDC)

	rec = h.do(t, "PUT", "/admin/routes/missing", map[string]string{"price_usdc": "0.10"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "DELETE", "/admin/routes/new-route", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.table.Count())

	rec = h.do(t, "DELETE", "/admin/routes/new-route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUpdateInvalidPriceIs400(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "PUT", "/admin/routes/seed-route", map[string]string{"price_usdc": "not-a-number"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "input error, not a missing route")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "invalid price")

	got, _ := h.table.Get("seed-route")
	assert.Equal(t, "0.01", got.PriceUSDC, "rejected update leaves the rule untouched")
}

func TestAdminCreateRouteSSRFBlocked(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "POST", "/admin/routes", routes.Rule{
		ToolID:    "evil",
		Method:    "GET",
		Path:      "/api/evil",
		PriceUSDC: "0",
		Provider:  routes.Provider{ProviderID: "p", BackendURL: "http://169.254.169.254/latest"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SSRF_BLOCKED", body["reason"])
}

func TestAdminListRoutesRedactsAuth(t *testing.T) {
	h := newAdminHarness(t)
	require.NoError(t, h.table.Add(context.Background(), routes.Rule{
		ToolID:    "authed",
		Method:    "GET",
		Path:      "/api/authed",
		PriceUSDC: "0",
		Provider: routes.Provider{
			ProviderID: "p",
			BackendURL: "https://api.other.example.com",
			Auth:       &routes.Auth{Header: "X-Api-Key", Value: "super-secret"},
		},
	}))

	rec := h.do(t, "GET", "/admin/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.Contains(t, rec.Body.String(), "****")
}

func TestAdminImport(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "POST", "/admin/routes/import", map[string]interface{}{
		"document": map[string]interface{}{
			"openapi": "3.0.0",
			"paths": map[string]interface{}{
				"/weather/{city}": map[string]interface{}{
					"get": map[string]interface{}{"operationId": "getWeather"},
				},
			},
		},
		"defaults": routes.ImportDefaults{
			ProviderID: "weatherco",
			BackendURL: "https://api.weather.example.com",
			PriceUSDC:  "0.02",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	got, ok := h.table.Get("getweather")
	require.True(t, ok)
	assert.Equal(t, "/weather/:city", got.Path)
}

func TestAdminRoutesPersist(t *testing.T) {
	h := newAdminHarness(t)
	path := filepath.Join(t.TempDir(), "routes.json")
	h.cfg.RoutesFile = path
	h.cfg.RoutesPersist = true

	rec := h.do(t, "POST", "/admin/routes", routes.Rule{
		ToolID:    "persisted",
		Method:    "GET",
		Path:      "/api/persisted",
		PriceUSDC: "0",
		Provider:  routes.Provider{ProviderID: "p", BackendURL: "https://api.other.example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	saved, err := routes.LoadFile(path)
	require.NoError(t, err)
	ids := make([]string, 0, len(saved))
	for _, r := range saved {
		ids = append(ids, r.ToolID)
	}
	assert.Contains(t, ids, "persisted")
	assert.Contains(t, ids, "seed-route")
}

func TestAdminReceiptsAndStats(t *testing.T) {
	h := newAdminHarness(t)
	for i := 0; i < 3; i++ {
		r := receipt.New(time.Now(), "eip155:84532")
		r.ToolID = "seed-route"
		r.Outcome = receipt.OutcomeSuccess
		r.PriceUSDC = "0.01"
		r.ReasonCode = receipt.ReasonOK
		h.receipts.Append(r)
	}
	denied := receipt.New(time.Now(), "eip155:84532")
	denied.ToolID = "seed-route"
	denied.Outcome = receipt.OutcomeDenied
	denied.ReasonCode = receipt.ReasonRouteNotFound
	h.receipts.Append(denied)

	rec := h.do(t, "GET", "/admin/receipts?outcome=DENIED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Receipts []receipt.Receipt `json:"receipts"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = h.do(t, "GET", "/admin/receipts/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats receipt.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, "75.00%", stats.SuccessRate)
	assert.Equal(t, "0.03", stats.TotalRevenueUSDC)
}

func TestAdminBlacklist(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "POST", "/admin/blacklist", map[string]string{"address": "0xBadActor"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, h.blacklist.Contains("0xbadactor"))

	rec = h.do(t, "GET", "/admin/blacklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0xbadactor")

	rec = h.do(t, "DELETE", "/admin/blacklist/0xbadactor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.blacklist.Contains("0xbadactor"))

	rec = h.do(t, "DELETE", "/admin/blacklist/0xbadactor", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/admin/blacklist", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSpend(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(t, "GET", "/admin/spend/mnd-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0.00", body["spent_today_usdc"])

	rec = h.do(t, "GET", "/admin/spend/intent-abcdef0123456789", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0.00", body["spent_lifetime_usdc"])
}
