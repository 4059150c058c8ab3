package pipeline

import (
	"time"

	"github.com/agentgate/gateway/internal/mandate"
	"github.com/agentgate/gateway/internal/payment"
	"github.com/agentgate/gateway/internal/receipt"
	"github.com/agentgate/gateway/internal/routes"
)

// requestState is the per-request scratchpad allocated at pipeline
// entry. Stages read and extend it; nothing is stashed on the inbound
// http.Request.
type requestState struct {
	receipt *receipt.Receipt
	start   time.Time

	match          *routes.Match
	body           []byte
	fingerprint    string
	mandateVerdict *mandate.Verdict
	payment        payment.Decision
}
