// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide gateway configuration.
type Config struct {
	Port            int
	FacilitatorURL  string
	PayToAddress    string
	Network         string // base | base-mainnet | base-sepolia
	RoutesFile      string
	RoutesPersist   bool
	AdminKey        string
	ReplayTTL       time.Duration
	RateLimitPerMin int
	SkipX402Probe   bool
	GatewayDomain   string

	ReputationRPCURL   string
	ReputationContract string
	ReputationMinScore int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RequestTimeout time.Duration
	MaxBodyBytes   int64
	ReceiptCap     int
}

// Load reads the environment. It fails on a missing PAY_TO_ADDRESS or
// an unparsable numeric value; main exits non-zero on error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envInt("PORT", 4402),
		FacilitatorURL:  os.Getenv("FACILITATOR_URL"),
		PayToAddress:    os.Getenv("PAY_TO_ADDRESS"),
		Network:         envStr("BASE_NETWORK", "base"),
		RoutesFile:      os.Getenv("ROUTES_FILE"),
		RoutesPersist:   envBool("ROUTES_PERSIST"),
		AdminKey:        os.Getenv("ADMIN_KEY"),
		ReplayTTL:       time.Duration(envInt("REPLAY_TTL_MS", 300_000)) * time.Millisecond,
		RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 100),
		SkipX402Probe:   envBool("SKIP_X402_PROBE"),
		GatewayDomain:   os.Getenv("GATEWAY_DOMAIN"),

		ReputationRPCURL:   os.Getenv("REPUTATION_RPC_URL"),
		ReputationContract: os.Getenv("REPUTATION_CONTRACT"),
		ReputationMinScore: int64(envInt("REPUTATION_MIN_SCORE", 0)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		RequestTimeout: time.Duration(envInt("REQUEST_TIMEOUT_MS", 30_000)) * time.Millisecond,
		MaxBodyBytes:   int64(envInt("MAX_BODY_BYTES", 1<<20)),
		ReceiptCap:     envInt("RECEIPT_CAP", 10_000),
	}

	if cfg.PayToAddress == "" {
		return nil, fmt.Errorf("PAY_TO_ADDRESS is required")
	}
	switch cfg.Network {
	case "base", "base-mainnet", "base-sepolia":
	default:
		return nil, fmt.Errorf("BASE_NETWORK %q must be base, base-mainnet, or base-sepolia", cfg.Network)
	}
	return cfg, nil
}

// CAIP2 maps the network tag to its CAIP-2 chain identifier.
func (c *Config) CAIP2() string {
	if c.Network == "base-sepolia" {
		return "eip155:84532"
	}
	return "eip155:8453"
}

// MaskedPayTo shows the first and last 4 characters of the pay-to
// address for config introspection.
func (c *Config) MaskedPayTo() string {
	a := c.PayToAddress
	if len(a) <= 8 {
		return "****"
	}
	return a[:4] + "..." + a[len(a)-4:]
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}
