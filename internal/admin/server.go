// Package admin exposes the gateway's management surface under /admin:
// route CRUD with SSRF and upstream-402 pre-checks, receipt queries,
// blacklist management, spend introspection, and masked config.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/mandate"
	"github.com/agentgate/gateway/internal/money"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/receipt"
	"github.com/agentgate/gateway/internal/routes"
)

// Server carries the admin surface's collaborators.
type Server struct {
	cfg       *config.Config
	table     *routes.Table
	receipts  *receipt.Store
	blacklist *policy.Blacklist
	verifier  *mandate.Verifier
	oracle    policy.Oracle
	startedAt time.Time
	logger    *log.Logger
}

// NewServer builds the admin surface. oracle may be nil.
func NewServer(cfg *config.Config, table *routes.Table, receipts *receipt.Store,
	bl *policy.Blacklist, verifier *mandate.Verifier, oracle policy.Oracle) *Server {
	return &Server{
		cfg:       cfg,
		table:     table,
		receipts:  receipts,
		blacklist: bl,
		verifier:  verifier,
		oracle:    oracle,
		startedAt: time.Now(),
		logger:    log.New(log.Writer(), "[Admin] ", log.LstdFlags),
	}
}

// Register mounts the admin routes on the router. The whole subtree is
// wrapped in bearer-token auth; no configured key means main never
// calls Register at all.
func (s *Server) Register(r *mux.Router) {
	ar := r.PathPrefix("/admin").Subrouter()
	ar.Use(s.auth)

	ar.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	ar.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)

	ar.HandleFunc("/routes", s.handleListRoutes).Methods(http.MethodGet)
	ar.HandleFunc("/routes", s.handleCreateRoute).Methods(http.MethodPost)
	ar.HandleFunc("/routes/import", s.handleImport).Methods(http.MethodPost)
	ar.HandleFunc("/routes/{tool_id}", s.handleUpdateRoute).Methods(http.MethodPut)
	ar.HandleFunc("/routes/{tool_id}", s.handleDeleteRoute).Methods(http.MethodDelete)

	ar.HandleFunc("/receipts", s.handleReceipts).Methods(http.MethodGet)
	ar.HandleFunc("/receipts/stats", s.handleStats).Methods(http.MethodGet)

	ar.HandleFunc("/blacklist", s.handleListBlacklist).Methods(http.MethodGet)
	ar.HandleFunc("/blacklist", s.handleAddBlacklist).Methods(http.MethodPost)
	ar.HandleFunc("/blacklist/{addr}", s.handleRemoveBlacklist).Methods(http.MethodDelete)

	ar.HandleFunc("/spend/{mandate_id}", s.handleSpend).Methods(http.MethodGet)

	if s.oracle != nil {
		ar.HandleFunc("/reputation/{agent_id}", s.handleReputation).Methods(http.MethodGet)
	}
}

// auth enforces Authorization: Bearer <admin_key>.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.AdminKey == "" || token != s.cfg.AdminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"route_count":   s.table.Count(),
		"receipt_count": s.receipts.Total(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":               s.cfg.Port,
		"facilitator_url":    s.cfg.FacilitatorURL,
		"pay_to_address":     s.cfg.MaskedPayTo(),
		"network":            s.cfg.Network,
		"chain":              s.cfg.CAIP2(),
		"gateway_domain":     s.cfg.GatewayDomain,
		"replay_ttl_ms":      s.cfg.ReplayTTL.Milliseconds(),
		"rate_limit_per_min": s.cfg.RateLimitPerMin,
		"reputation_enabled": s.oracle != nil,
	})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	rules := s.table.List()
	out := make([]routes.Rule, 0, len(rules))
	for i := range rules {
		out = append(out, rules[i].Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": out})
}

// routeError maps compile failures onto the admin error contract:
// SSRF and upstream-402 violations return 400 with a machine reason.
func routeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routes.ErrSSRFBlocked):
		writeError(w, http.StatusBadRequest, err.Error(), "SSRF_BLOCKED")
	case errors.Is(err, routes.ErrX402Upstream):
		writeError(w, http.StatusBadRequest, err.Error(), "X402_UPSTREAM_BLOCKED")
	default:
		writeError(w, http.StatusBadRequest, err.Error(), "")
	}
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var rule routes.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid route payload", "")
		return
	}
	if err := s.table.Add(r.Context(), rule); err != nil {
		routeError(w, err)
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "tool_id": rule.ToolID})
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	toolID := mux.Vars(r)["tool_id"]
	var req struct {
		PriceUSDC   string `json:"price_usdc"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update payload", "")
		return
	}
	if err := s.table.Update(toolID, req.PriceUSDC, req.Description); err != nil {
		if errors.Is(err, routes.ErrUnknownTool) {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		routeError(w, err)
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "tool_id": toolID})
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	toolID := mux.Vars(r)["tool_id"]
	if !s.table.Delete(toolID) {
		writeError(w, http.StatusNotFound, "unknown tool_id "+toolID, "")
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "tool_id": toolID})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document *routes.OpenAPIDoc    `json:"document"`
		Defaults routes.ImportDefaults `json:"defaults"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Document == nil {
		writeError(w, http.StatusBadRequest, "invalid import payload", "")
		return
	}
	rules, err := routes.ImportOpenAPI(req.Document, req.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	created := make([]string, 0, len(rules))
	for _, rule := range rules {
		if err := s.table.Add(r.Context(), rule); err != nil {
			routeError(w, err)
			return
		}
		created = append(created, rule.ToolID)
	}
	s.persistRoutes()
	s.logger.Printf("imported %d routes from OpenAPI document", len(created))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"status": "imported", "tool_ids": created})
}

// persistRoutes rewrites the routes file when persistence is enabled.
func (s *Server) persistRoutes() {
	if !s.cfg.RoutesPersist || s.cfg.RoutesFile == "" {
		return
	}
	if err := routes.SaveFile(s.cfg.RoutesFile, s.table.List()); err != nil {
		s.logger.Printf("⚠️ persisting routes failed: %v", err)
	}
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list := s.receipts.Query(receipt.Filter{
		ToolID:  q.Get("tool_id"),
		Outcome: receipt.Outcome(q.Get("outcome")),
		Limit:   limit,
		Offset:  offset,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": list, "count": len(list)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.receipts.Stats())
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"addresses": s.blacklist.List()})
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required", "")
		return
	}
	s.blacklist.Add(req.Address)
	s.logger.Printf("blacklisted %s", req.Address)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "address": req.Address})
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	if !s.blacklist.Remove(addr) {
		writeError(w, http.StatusNotFound, "address not blacklisted", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "address": addr})
}

// handleSpend serves both ledgers: ids starting with "intent-" read the
// lifetime ledger, everything else the daily ledger.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["mandate_id"]
	if mandate.IsIntentID(id) {
		writeJSON(w, http.StatusOK, map[string]string{
			"mandate_id":          id,
			"spent_lifetime_usdc": money.FormatUSDC(s.verifier.SpentLifetime(id)),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"mandate_id":       id,
		"spent_today_usdc": money.FormatUSDC(s.verifier.SpentToday(id)),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	count, score, err := s.oracle.QueryReputation(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"count":    count,
		"score":    score,
	})
}
