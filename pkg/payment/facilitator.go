package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paygate/pkg/httpx"
)

// Requirement is one x402 payment requirement as quoted to clients and
// submitted to the facilitator.
type Requirement struct {
	Scheme  string `json:"scheme"`
	Price   string `json:"price"`
	Network string `json:"network"`
	PayTo   string `json:"payTo"`
}

type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ReceiptID   string `json:"receiptId,omitempty"`
}

type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// Facilitator is the HTTP client for the external verify/settle
// service. When KeyID is set every call carries a freshly minted
// bearer bound to the method, host and path.
type Facilitator struct {
	BaseURL   string
	Client    *http.Client
	KeyID     string
	KeySecret string
	TokenTTL  time.Duration
}

func NewFacilitator(baseURL string, client *http.Client, keyID, keySecret string) *Facilitator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Facilitator{
		BaseURL:   strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		Client:    client,
		KeyID:     keyID,
		KeySecret: keySecret,
		TokenTTL:  time.Minute,
	}
}

func (f *Facilitator) headers(method, path string) map[string]string {
	if f.KeyID == "" {
		return nil
	}
	host := ""
	if u, err := url.Parse(f.BaseURL); err == nil {
		host = u.Host
	}
	token := MintToken(f.KeyID, f.KeySecret, method, host, path, time.Now(), f.TokenTTL)
	return map[string]string{"Authorization": "Bearer " + token}
}

type verifyRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements Requirement     `json:"paymentRequirements"`
}

// Verify submits the client's payment payload for the given
// requirement. A facilitator-side rejection comes back as a
// VerifyResult with IsValid=false, not as an error.
func (f *Facilitator) Verify(ctx context.Context, payload json.RawMessage, req Requirement) (*VerifyResult, error) {
	body, err := json.Marshal(verifyRequest{PaymentPayload: payload, PaymentRequirements: req})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}
	status, respBody, err := httpx.RequestJSON(ctx, f.Client, http.MethodPost, f.BaseURL+"/verify", body, f.headers(http.MethodPost, "/verify"), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	var out VerifyResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse verify response (status %d): %w", status, err)
	}
	if status >= 500 {
		return nil, fmt.Errorf("facilitator verify returned %d", status)
	}
	return &out, nil
}

// Settle asks the facilitator to submit the verified payment on-chain.
func (f *Facilitator) Settle(ctx context.Context, payload json.RawMessage, req Requirement) (*SettleResult, error) {
	body, err := json.Marshal(verifyRequest{PaymentPayload: payload, PaymentRequirements: req})
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}
	status, respBody, err := httpx.RequestJSON(ctx, f.Client, http.MethodPost, f.BaseURL+"/settle", body, f.headers(http.MethodPost, "/settle"), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	var out SettleResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse settle response (status %d): %w", status, err)
	}
	if status >= 500 && !out.Success {
		return nil, fmt.Errorf("facilitator settle returned %d", status)
	}
	return &out, nil
}

// Supported lists the facilitator's (scheme, network) pairs; logged at
// startup.
func (f *Facilitator) Supported(ctx context.Context) ([]SupportedKind, error) {
	status, respBody, err := httpx.RequestJSON(ctx, f.Client, http.MethodGet, f.BaseURL+"/supported", nil, f.headers(http.MethodGet, "/supported"), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("facilitator supported: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("facilitator supported returned %d", status)
	}
	var out struct {
		Kinds []SupportedKind `json:"kinds"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse supported response: %w", err)
	}
	return out.Kinds, nil
}
