package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentgate/gateway/internal/mandate"
)

// Simulates one agent session against a running gateway: sign a bounded
// mandate with a throwaway key, call a priced route, print whatever
// comes back (challenge or receipt).
//
//	GATEWAY_URL  (default http://localhost:4402)
//	TOOL_PATH    (default /api/echo)
func main() {
	gatewayURL := envOr("GATEWAY_URL", "http://localhost:4402")
	toolPath := envOr("TOOL_PATH", "/api/echo")

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey).Hex()

	fmt.Println("🤖 Agent starting")
	fmt.Printf("🔑 Ephemeral wallet: %s\n", owner)

	m := &mandate.Bounded{
		MandateID:          fmt.Sprintf("mnd-sim-%d", time.Now().Unix()),
		OwnerPubkey:        owner,
		ExpiresAt:          time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		MaxSpendUSDCPerDay: "1.00",
		AllowlistedToolIDs: []string{"*"},
	}
	hash := mandate.HashBounded(m)
	prefixed := crypto.Keccak256(append(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))),
		hash...,
	))
	sig, err := crypto.Sign(prefixed, key)
	if err != nil {
		log.Fatalf("sign mandate: %v", err)
	}
	sig[64] += 27
	m.Signature = "0x" + hex.EncodeToString(sig)

	mandateJSON, _ := json.Marshal(m)
	header := base64.StdEncoding.EncodeToString(mandateJSON)
	fmt.Printf("📜 Mandate %s signed (budget 1.00 USDC/day)\n", m.MandateID)

	req, err := http.NewRequest(http.MethodGet, gatewayURL+toolPath, bytes.NewReader(nil))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Mandate", header)
	req.Header.Set("X-Request-Idempotency-Key", fmt.Sprintf("sim-%d", time.Now().UnixNano()))

	fmt.Printf("📡 Calling %s%s ...\n", gatewayURL, toolPath)
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		log.Fatalf("❌ gateway unreachable: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	fmt.Printf("⬅️  HTTP %d\n", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		fmt.Println("💳 Payment challenge received:")
		fmt.Println(indentJSON(body))
	case resp.StatusCode < 300:
		fmt.Println("✅ Request served. Receipt:")
		if raw := resp.Header.Get("X-Receipt"); raw != "" {
			if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
				fmt.Println(indentJSON(decoded))
			}
		}
	default:
		fmt.Println("🚫 Denied:")
		fmt.Println(indentJSON(body))
	}
}

func indentJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
