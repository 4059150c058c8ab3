package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentgate/gateway/internal/admin"
	"github.com/agentgate/gateway/internal/api"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/mandate"
	"github.com/agentgate/gateway/internal/middleware"
	"github.com/agentgate/gateway/internal/monitoring"
	"github.com/agentgate/gateway/internal/payment"
	"github.com/agentgate/gateway/internal/pipeline"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/proxy"
	"github.com/agentgate/gateway/internal/receipt"
	"github.com/agentgate/gateway/internal/replay"
	"github.com/agentgate/gateway/internal/routes"
)

func main() {
	log.Println("🔥 Starting pay-per-request gateway...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	// Route table from the routes file (startup fails on a bad file).
	var rules []routes.Rule
	if cfg.RoutesFile != "" {
		rules, err = routes.LoadFile(cfg.RoutesFile)
		if err != nil {
			log.Fatalf("routes file: %v", err)
		}
	}
	ctx := context.Background()
	table, err := routes.NewTable(ctx, rules, cfg.SkipX402Probe)
	if err != nil {
		log.Fatalf("route table: %v", err)
	}

	// Replay store: Redis when configured and reachable, else memory.
	var replays replay.Store
	if cfg.RedisAddr != "" {
		rs, err := replay.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Warn("redis unavailable, replay store falls back to memory", "error", err)
			replays = replay.NewMemoryStore()
		} else {
			replays = rs
		}
	} else {
		replays = replay.NewMemoryStore()
	}

	verifier := mandate.NewVerifier(mandate.NewDailyLedger(), mandate.NewLifetimeLedger(), nil)

	// Payment gate: probe the facilitator once; unreachable degrades
	// paid routes to pass-through with a warning.
	fac := payment.NewHTTPFacilitator(cfg.FacilitatorURL, &http.Client{Timeout: 15 * time.Second})
	available := false
	if cfg.FacilitatorURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		available = fac.Reachable(probeCtx)
		cancel()
	}
	gate := payment.NewGate(fac, cfg.PayToAddress, cfg.Network, "exact", available)

	// Agent policy: blacklist plus optional on-chain reputation.
	blacklist := policy.NewBlacklist()
	var oracle policy.Oracle
	if cfg.ReputationRPCURL != "" && cfg.ReputationContract != "" {
		co, err := policy.NewContractOracle(cfg.ReputationRPCURL, cfg.ReputationContract)
		if err != nil {
			slog.Warn("reputation oracle disabled", "error", err)
		} else {
			oracle = co
			defer co.Close()
		}
	}
	checker := policy.NewChecker(blacklist, oracle, cfg.ReputationMinScore, nil)

	receipts := receipt.NewStore(cfg.ReceiptCap)
	forwarder := proxy.NewForwarder(&http.Client{Timeout: cfg.RequestTimeout}, cfg.MaxBodyBytes)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)
	metrics := monitoring.NewMetrics()

	pipe := pipeline.New(table, replays, verifier, gate, checker, forwarder, receipts, limiter, metrics,
		pipeline.Options{
			ReplayTTL:      cfg.ReplayTTL,
			RequestTimeout: cfg.RequestTimeout,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			GatewayDomain:  cfg.GatewayDomain,
			Chain:          cfg.CAIP2(),
		})

	var adminSrv *admin.Server
	if cfg.AdminKey != "" {
		adminSrv = admin.NewServer(cfg, table, receipts, blacklist, verifier, oracle)
	} else {
		slog.Warn("ADMIN_KEY not set: admin surface disabled")
	}

	server := api.NewServer(cfg.Port, pipe, adminSrv, cfg.RequestTimeout)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		// Tear down in reverse init order.
		if err := replays.Close(); err != nil {
			slog.Error("replay store close", "error", err)
		}
	}

	log.Println("👋 gateway stopped")
}
