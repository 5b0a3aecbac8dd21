package receipt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome is the closed result enum; clients may rely on the set.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeDenied   Outcome = "DENIED"
	OutcomeError    Outcome = "ERROR"
	OutcomeRefunded Outcome = "REFUNDED"
)

// Verdict is the mandate evaluation result carried on the receipt.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictDenied   Verdict = "DENIED"
	VerdictSkipped  Verdict = "SKIPPED"
)

// Reason codes, one per pipeline denial path.
const (
	ReasonOK                    = "OK"
	ReasonUnauthorized          = "UNAUTHORIZED"
	ReasonAgentBlocked          = "AGENT_BLOCKED"
	ReasonRateLimited           = "RATE_LIMITED"
	ReasonRouteNotFound         = "ROUTE_NOT_FOUND"
	ReasonSSRFBlocked           = "SSRF_BLOCKED"
	ReasonX402UpstreamBlocked   = "X402_UPSTREAM_BLOCKED"
	ReasonReplayDetected        = "REPLAY_DETECTED"
	ReasonMandateExpired        = "MANDATE_EXPIRED"
	ReasonNotAllowlisted        = "ENDPOINT_NOT_ALLOWLISTED"
	ReasonMandateBudget         = "MANDATE_BUDGET_EXCEEDED"
	ReasonMandateConfirm        = "MANDATE_CONFIRM_REQUIRED"
	ReasonInvalidSignature      = "INVALID_SIGNATURE"
	ReasonInvalidPayment        = "INVALID_PAYMENT"
	ReasonUpstreamErrorNoCharge = "UPSTREAM_ERROR_NO_CHARGE"
	ReasonSettleFailed          = "SETTLE_FAILED"
	ReasonInternalError         = "INTERNAL_ERROR"
)

// Receipt is the structured record of one admitted request, emitted
// exactly once per /api/* response.
type Receipt struct {
	RequestID            string  `json:"request_id"`
	ToolID               string  `json:"tool_id,omitempty"`
	ProviderID           string  `json:"provider_id,omitempty"`
	Endpoint             string  `json:"endpoint"`
	Method               string  `json:"method"`
	Timestamp            string  `json:"timestamp"`
	PriceUSDC            string  `json:"price_usdc,omitempty"`
	Chain                string  `json:"chain,omitempty"`
	MandateID            string  `json:"mandate_id,omitempty"`
	MandateHash          string  `json:"mandate_hash,omitempty"`
	MandateVerdict       Verdict `json:"mandate_verdict"`
	ReasonCode           string  `json:"reason_code"`
	PaymentTxHash        *string `json:"payment_tx_hash"`
	FacilitatorReceiptID string  `json:"facilitator_receipt_id,omitempty"`
	RequestHash          string  `json:"request_hash,omitempty"`
	ResponseHash         string  `json:"response_hash,omitempty"`
	LatencyMS            int64   `json:"latency_ms,omitempty"`
	Outcome              Outcome `json:"outcome"`
	Explanation          string  `json:"explanation,omitempty"`
}

// New starts a receipt for the given request surface with a fresh id
// and timestamp; the pipeline fills the rest as stages run.
func New(method, endpoint string) *Receipt {
	return &Receipt{
		RequestID:      uuid.NewString(),
		Method:         method,
		Endpoint:       endpoint,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		MandateVerdict: VerdictSkipped,
	}
}

// HashBody is the request/response hash recorded on receipts.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EncodeHeader renders the receipt for the X-Receipt response header.
func (r *Receipt) EncodeHeader() string {
	raw, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(raw)
}
