// Package api assembles the gateway's HTTP surface: public health,
// /api/* dispatch through the admission pipeline, /metrics, and the
// optional /admin subtree.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/gateway/internal/admin"
	"github.com/agentgate/gateway/internal/pipeline"
)

// Server is the gateway's HTTP front end.
type Server struct {
	router *mux.Router
	http   *http.Server
	logger *log.Logger
}

// NewServer wires the router. adminSrv may be nil (no ADMIN_KEY set:
// the admin surface is disabled entirely).
func NewServer(port int, pipe *pipeline.Pipeline, adminSrv *admin.Server, requestTimeout time.Duration) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if adminSrv != nil {
		adminSrv.Register(r)
	}

	// Everything under /api/ flows through the admission pipeline.
	r.PathPrefix("/api/").Handler(pipe)

	s := &Server{
		router: r,
		logger: log.New(log.Writer(), "[Server] ", log.LstdFlags),
	}
	// Outbound deadlines (facilitator, upstream, oracle) derive from
	// requestTimeout inside the pipeline; the server itself only bounds
	// header reads so slow clients cannot pin workers.
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Printf("🚀 gateway listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests with a deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
