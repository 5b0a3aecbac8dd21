package mandate

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mandate is a signed spending authorization riding on the request in
// the X-Mandate header. The gateway never stores it beyond the request;
// only the spend counters keyed by MandateID outlive it.
type Mandate struct {
	MandateID                      string   `json:"mandate_id"`
	OwnerPubkey                    string   `json:"owner_pubkey"`
	ExpiresAt                      string   `json:"expires_at"`
	MaxSpendUSDCPerDay             string   `json:"max_spend_usdc_per_day"`
	AllowlistedToolIDs             []string `json:"allowlisted_tool_ids"`
	RequireUserConfirmForPriceOver string   `json:"require_user_confirm_for_price_over,omitempty"`
	Signature                      string   `json:"signature"`
}

// Parse decodes the base64 mandate header.
func Parse(encoded string) (*Mandate, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode mandate header: %w", err)
	}
	var m Mandate
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse mandate: %w", err)
	}
	if strings.TrimSpace(m.MandateID) == "" {
		return nil, errors.New("mandate_id required")
	}
	return &m, nil
}

// Expiry parses the mandate's RFC 3339 expiry.
func (m *Mandate) Expiry() (time.Time, error) {
	return time.Parse(time.RFC3339, m.ExpiresAt)
}

// Allows reports whether toolID is in the allowlist.
func (m *Mandate) Allows(toolID string) bool {
	for _, id := range m.AllowlistedToolIDs {
		if id == toolID {
			return true
		}
	}
	return false
}

// SigningPayload is the byte-exact preimage the owner signs: the
// mandate serialized as canonical JSON (keys sorted, no whitespace)
// with the signature field excluded and the tool-ID set sorted, so two
// semantically equal mandates sign identical bytes.
func SigningPayload(m *Mandate) ([]byte, error) {
	tools := append([]string(nil), m.AllowlistedToolIDs...)
	sort.Strings(tools)
	if tools == nil {
		tools = []string{}
	}
	binding := struct {
		MandateID                      string   `json:"mandate_id"`
		OwnerPubkey                    string   `json:"owner_pubkey"`
		ExpiresAt                      string   `json:"expires_at"`
		MaxSpendUSDCPerDay             string   `json:"max_spend_usdc_per_day"`
		AllowlistedToolIDs             []string `json:"allowlisted_tool_ids"`
		RequireUserConfirmForPriceOver string   `json:"require_user_confirm_for_price_over,omitempty"`
	}{
		MandateID:                      m.MandateID,
		OwnerPubkey:                    strings.ToLower(strings.TrimSpace(m.OwnerPubkey)),
		ExpiresAt:                      m.ExpiresAt,
		MaxSpendUSDCPerDay:             m.MaxSpendUSDCPerDay,
		AllowlistedToolIDs:             tools,
		RequireUserConfirmForPriceOver: m.RequireUserConfirmForPriceOver,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal signing payload: %w", err)
	}
	canon, err := canonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize signing payload: %w", err)
	}
	return canon, nil
}

// Hash is the mandate identity recorded on receipts: sha256 of the
// signing payload, hex encoded.
func Hash(m *Mandate) (string, error) {
	payload, err := SigningPayload(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
