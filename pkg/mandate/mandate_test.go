package mandate

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"paygate/pkg/spend"
)

func signedMandate(t *testing.T, key *ecdsa.PrivateKey, mutate func(*Mandate)) *Mandate {
	t.Helper()
	m := &Mandate{
		MandateID:          "m-1",
		OwnerPubkey:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ExpiresAt:          time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		MaxSpendUSDCPerDay: "1.00",
		AllowlistedToolIDs: []string{"quote", "weather"},
	}
	if mutate != nil {
		mutate(m)
	}
	payload, err := SigningPayload(m)
	if err != nil {
		t.Fatalf("signing payload: %v", err)
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	m.Signature = "0x" + hex.EncodeToString(sig)
	return m
}

func TestSigningPayloadDeterministic(t *testing.T) {
	a := &Mandate{
		MandateID:          "m-1",
		OwnerPubkey:        "0xAbC0000000000000000000000000000000000001",
		ExpiresAt:          "2026-01-01T00:00:00Z",
		MaxSpendUSDCPerDay: "5",
		AllowlistedToolIDs: []string{"b", "a", "c"},
	}
	b := &Mandate{
		MandateID:          "m-1",
		OwnerPubkey:        "0xabc0000000000000000000000000000000000001",
		ExpiresAt:          "2026-01-01T00:00:00Z",
		MaxSpendUSDCPerDay: "5",
		AllowlistedToolIDs: []string{"c", "a", "b"},
		Signature:          "0xdeadbeef",
	}
	pa, err := SigningPayload(a)
	if err != nil {
		t.Fatalf("payload a: %v", err)
	}
	pb, err := SigningPayload(b)
	if err != nil {
		t.Fatalf("payload b: %v", err)
	}
	if !bytes.Equal(pa, pb) {
		t.Fatalf("payloads differ:\n%s\n%s", pa, pb)
	}
	if bytes.Contains(pa, []byte("signature")) {
		t.Fatal("signature must not be part of the preimage")
	}
	if bytes.Contains(pa, []byte(" ")) {
		t.Fatal("canonical payload must not contain whitespace")
	}

	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha != hb || len(ha) != 64 {
		t.Fatalf("hash mismatch: %q vs %q", ha, hb)
	}
}

func TestParseHeader(t *testing.T) {
	m := &Mandate{MandateID: "m-9", OwnerPubkey: "0x1", ExpiresAt: "2026-01-01T00:00:00Z"}
	raw, _ := json.Marshal(m)
	got, err := Parse(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.MandateID != "m-9" {
		t.Fatalf("unexpected mandate %+v", got)
	}

	if _, err := Parse("!!!not-base64"); err == nil {
		t.Fatal("expected error for bad base64")
	}
	empty, _ := json.Marshal(&Mandate{})
	if _, err := Parse(base64.StdEncoding.EncodeToString(empty)); err == nil {
		t.Fatal("expected error for missing mandate_id")
	}
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	m := signedMandate(t, key, nil)
	if err := VerifySignature(m); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Tampering with any signed field breaks verification.
	m.MaxSpendUSDCPerDay = "100.00"
	if err := VerifySignature(m); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature after tamper, got %v", err)
	}

	other, _ := crypto.GenerateKey()
	m2 := signedMandate(t, key, func(m *Mandate) {
		m.OwnerPubkey = crypto.PubkeyToAddress(other.PublicKey).Hex()
	})
	if err := VerifySignature(m2); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong owner, got %v", err)
	}

	m3 := signedMandate(t, key, nil)
	m3.Signature = "0x1234"
	if err := VerifySignature(m3); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for short sig, got %v", err)
	}
}

func TestApproveCheckOrder(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := &Verifier{Tracker: spend.NewTracker()}
	now := time.Now().UTC()
	price := spend.Micro(10000) // $0.01

	expired := signedMandate(t, key, func(m *Mandate) {
		m.ExpiresAt = now.Add(-time.Minute).Format(time.RFC3339)
	})
	if err := v.Approve(expired, "quote", price, false, now); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	m := signedMandate(t, key, nil)
	if err := v.Approve(m, "other-tool", price, false, now); !errors.Is(err, ErrNotAllowlisted) {
		t.Fatalf("expected ErrNotAllowlisted, got %v", err)
	}

	confirm := signedMandate(t, key, func(m *Mandate) {
		m.RequireUserConfirmForPriceOver = "0.001"
	})
	if err := v.Approve(confirm, "quote", price, false, now); !errors.Is(err, ErrConfirmRequired) {
		t.Fatalf("expected ErrConfirmRequired, got %v", err)
	}
	if err := v.Approve(confirm, "quote", price, true, now); err != nil {
		t.Fatalf("confirmed request should pass: %v", err)
	}
	v.Tracker.Release(confirm.MandateID, spend.DayKey(now), price)

	small := signedMandate(t, key, func(m *Mandate) {
		m.MandateID = "m-small"
		m.MaxSpendUSDCPerDay = "0.005"
	})
	if err := v.Approve(small, "quote", price, false, now); !errors.Is(err, spend.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
}

func TestApproveReleasesReservationOnBadSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := &Verifier{Tracker: spend.NewTracker()}
	now := time.Now().UTC()
	price := spend.Micro(10000)

	m := signedMandate(t, key, func(m *Mandate) {
		m.MandateID = "m-sig"
		m.MaxSpendUSDCPerDay = "0.01"
	})
	m.Signature = "0x" + string(bytes.Repeat([]byte("00"), 65))
	if err := v.Approve(m, "quote", price, false, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	// The failed signature check must not leave the reservation behind:
	// the full cap is still available.
	good := signedMandate(t, key, func(m *Mandate) {
		m.MandateID = "m-sig"
		m.MaxSpendUSDCPerDay = "0.01"
	})
	if err := v.Approve(good, "quote", price, false, now); err != nil {
		t.Fatalf("cap should be free after release: %v", err)
	}
}
