package mandate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"paygate/pkg/spend"
)

var (
	ErrExpired         = errors.New("mandate expired")
	ErrNotAllowlisted  = errors.New("tool not allowlisted by mandate")
	ErrConfirmRequired = errors.New("user confirmation required for this price")
	ErrBadSignature    = errors.New("mandate signature invalid")
)

// VerifySignature recovers the EIP-191 personal-message signer of the
// canonical payload and compares it to owner_pubkey.
func VerifySignature(m *Mandate) error {
	payload, err := SigningPayload(m)
	if err != nil {
		return err
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(m.Signature), "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: expected 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	digest := crypto.Keccak256([]byte(prefixed))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, strings.TrimSpace(m.OwnerPubkey)) {
		return fmt.Errorf("%w: signer %s is not owner", ErrBadSignature, recovered)
	}
	return nil
}

// Verifier runs the ordered mandate checks against a route and price.
type Verifier struct {
	Tracker *spend.Tracker
}

// Approve runs expiry, allowlist, confirmation, budget and signature
// checks in that order, short-circuiting on the first failure. On
// success the price has been reserved against the daily cap; the caller
// must Commit after settlement or Release on any other exit.
func (v *Verifier) Approve(m *Mandate, toolID string, price spend.Micro, confirmed bool, now time.Time) error {
	exp, err := m.Expiry()
	if err != nil {
		return fmt.Errorf("%w: bad expires_at: %v", ErrExpired, err)
	}
	if !exp.After(now) {
		return ErrExpired
	}
	if !m.Allows(toolID) {
		return ErrNotAllowlisted
	}
	if threshold := strings.TrimSpace(m.RequireUserConfirmForPriceOver); threshold != "" && !confirmed {
		limit, err := spend.ParseUSD(threshold)
		if err != nil {
			return fmt.Errorf("parse require_user_confirm_for_price_over: %w", err)
		}
		if price > limit {
			return ErrConfirmRequired
		}
	}
	cap, err := spend.ParseUSD(m.MaxSpendUSDCPerDay)
	if err != nil {
		return fmt.Errorf("parse max_spend_usdc_per_day: %w", err)
	}
	day := spend.DayKey(now)
	if err := v.Tracker.Reserve(m.MandateID, day, price, cap); err != nil {
		return err
	}
	if err := VerifySignature(m); err != nil {
		v.Tracker.Release(m.MandateID, day, price)
		return err
	}
	return nil
}
