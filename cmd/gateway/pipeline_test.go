package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"paygate/pkg/config"
	"paygate/pkg/guard"
	"paygate/pkg/mandate"
	"paygate/pkg/metrics"
	"paygate/pkg/payment"
	"paygate/pkg/ratelimit"
	"paygate/pkg/receipt"
	"paygate/pkg/replay"
	"paygate/pkg/routes"
	"paygate/pkg/spend"
	"paygate/pkg/stream"
)

type fakeFacilitator struct {
	mu            sync.Mutex
	verifyValid   bool
	invalidReason string
	settleOK      bool
	settleReason  string
	tx            string
	verifyCalls   int
	settleCalls   int
}

func (f *fakeFacilitator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.verifyCalls++
		out := payment.VerifyResult{IsValid: f.verifyValid, InvalidReason: f.invalidReason, Payer: "0xpayer"}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.settleCalls++
		out := payment.SettleResult{Success: f.settleOK, ErrorReason: f.settleReason, Transaction: f.tx, Network: "eip155:84532", ReceiptID: "fr-1"}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/supported", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kinds":[{"scheme":"exact","network":"eip155:84532"}]}`))
	})
	return mux
}

func (f *fakeFacilitator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

func newTestServer(t *testing.T, facilitatorURL string) *Server {
	t.Helper()
	tracker := spend.NewTracker()
	var fac *payment.Facilitator
	if facilitatorURL != "" {
		fac = payment.NewFacilitator(facilitatorURL, &http.Client{Timeout: 2 * time.Second}, "", "")
	}
	s := &Server{
		Routes:              routes.NewTable(),
		Payments:            payment.NewCoordinator(fac, "base-sepolia", "0x00000000000000000000000000000000000000aa"),
		Verifier:            &mandate.Verifier{Tracker: tracker},
		Tracker:             tracker,
		Replay:              replay.NewMemoryStore(time.Minute),
		Receipts:            receipt.NewStore(0),
		Blocklist:           guard.NewBlocklist(),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		HTTPClient:          &http.Client{Timeout: 2 * time.Second},
		ProbeClient:         &http.Client{Timeout: time.Second},
		AdminKey:            "admin-secret",
		RoutesPath:          filepath.Join(t.TempDir(), "routes.json"),
		ConfigPath:          filepath.Join(t.TempDir(), "config.json"),
		ProbeTimeout:        time.Second,
		SettleTimeout:       2 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		cfg:                 config.Doc{PayToAddress: "0x00000000000000000000000000000000000000aa", Network: "base-sepolia"},
	}
	s.Routes.Subscribe(s.Payments)
	return s
}

func quoteRule(backendURL string) routes.Rule {
	return routes.Rule{
		Method: "GET",
		Path:   "/v1/quote",
		ToolID: "quote",
		Price:  "$0.01",
		Provider: routes.Provider{
			ID:         "acme",
			BackendURL: backendURL,
			Auth:       &routes.Auth{Header: "X-Upstream-Key", Value: "upstream-secret"},
		},
		Description: "latest quote",
	}
}

func paymentHeader() string {
	return base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","payload":{"sig":"0x1"}}`))
}

func signedMandateHeader(t *testing.T, mandateID string, tools []string, capUSD string, expires time.Time) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	m := &mandate.Mandate{
		MandateID:          mandateID,
		OwnerPubkey:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ExpiresAt:          expires.UTC().Format(time.RFC3339),
		MaxSpendUSDCPerDay: capUSD,
		AllowlistedToolIDs: tools,
	}
	payload, err := mandate.SigningPayload(m)
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
	raw, _ := json.Marshal(m)
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeReceiptHeader(t *testing.T, encoded string) receipt.Receipt {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode X-Receipt: %v", err)
	}
	var rec receipt.Receipt
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("parse X-Receipt: %v", err)
	}
	return rec
}

func TestMissingPaymentReturns402Challenge(t *testing.T) {
	s := newTestServer(t, "")
	if err := s.Routes.Add(quoteRule("http://upstream.example")); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	w := httptest.NewRecorder()
	s.handleAPI(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body payment.PaymentRequiredBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("challenge body: %v", err)
	}
	if len(body.Accepts) != 1 {
		t.Fatalf("accepts = %+v", body.Accepts)
	}
	acc := body.Accepts[0]
	if acc.Scheme != "exact" || acc.Price != "$0.01" || acc.Network != "eip155:84532" || acc.PayTo == "" {
		t.Fatalf("requirement mismatch %+v", acc)
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.Outcome != receipt.OutcomeDenied || rec.ReasonCode != receipt.ReasonInvalidPayment {
		t.Fatalf("receipt %+v", rec)
	}
	if s.Receipts.Len() != 1 {
		t.Fatalf("receipt log len = %d, want 1", s.Receipts.Len())
	}
}

func TestPaidRequestSucceeds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"q":42}`))
	}))
	defer upstream.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: true, tx: "0xabc123"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Payment", paymentHeader())
	req.Header.Set("X-Mandate", signedMandateHeader(t, "m-1", []string{"quote"}, "1.00", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	s.handleAPI(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"q":42}` {
		t.Fatalf("body = %s", w.Body.String())
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.Outcome != receipt.OutcomeSuccess || rec.ReasonCode != receipt.ReasonOK {
		t.Fatalf("receipt %+v", rec)
	}
	if rec.MandateVerdict != receipt.VerdictApproved {
		t.Fatalf("mandate verdict = %s", rec.MandateVerdict)
	}
	if rec.PaymentTxHash == nil || *rec.PaymentTxHash != "0xabc123" {
		t.Fatalf("payment tx hash = %v", rec.PaymentTxHash)
	}
	if rec.ToolID != "quote" || rec.ProviderID != "acme" || rec.PriceUSDC != "0.01" {
		t.Fatalf("receipt route fields %+v", rec)
	}
	verifies, settles := fac.counts()
	if verifies != 1 || settles != 1 {
		t.Fatalf("facilitator calls verify=%d settle=%d", verifies, settles)
	}
	if got := s.Tracker.Spent("m-1", spend.DayKey(time.Now())); got != 10000 {
		t.Fatalf("spent = %d micro, want 10000", got)
	}
}

func TestMandateNotAllowlistedSkipsSettlement(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	}))
	defer upstream.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: true, tx: "0xabc"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Payment", paymentHeader())
	req.Header.Set("X-Mandate", signedMandateHeader(t, "m-1", []string{"other"}, "1.00", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	s.handleAPI(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonNotAllowlisted || rec.MandateVerdict != receipt.VerdictDenied {
		t.Fatalf("receipt %+v", rec)
	}
	if _, settles := fac.counts(); settles != 0 {
		t.Fatalf("settle calls = %d, want 0", settles)
	}
	if got := s.Tracker.Spent("m-1", spend.DayKey(time.Now())); got != 0 {
		t.Fatalf("spent = %d, want 0", got)
	}
}

func TestReplayDetected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`ok`))
	}))
	defer upstream.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: true, tx: "0x1"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/quote", bytes.NewReader([]byte(`{"n":1}`)))
		req.Header.Set("X-Payment", paymentHeader())
		req.Header.Set("X-Request-Idempotency-Key", "idem-1")
		w := httptest.NewRecorder()
		s.handleAPI(w, req)
		return w
	}

	if first := send(); first.Code != 200 {
		t.Fatalf("first status = %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", second.Code)
	}
	rec := decodeReceiptHeader(t, second.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonReplayDetected {
		t.Fatalf("reason = %s", rec.ReasonCode)
	}
	if _, settles := fac.counts(); settles != 1 {
		t.Fatalf("settle calls = %d, want 1", settles)
	}
}

func TestUpstreamTransportFailureNoCharge(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: true, tx: "0x1"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(dead.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Payment", paymentHeader())
	w := httptest.NewRecorder()
	s.handleAPI(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.Outcome != receipt.OutcomeError || rec.ReasonCode != receipt.ReasonUpstreamErrorNoCharge {
		t.Fatalf("receipt %+v", rec)
	}
	if _, settles := fac.counts(); settles != 0 {
		t.Fatalf("settle calls = %d, want 0", settles)
	}
}

func TestSettleFailureDeliversUpstreamWithoutCharge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"q":7}`))
	}))
	defer upstream.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: false, settleReason: "insufficient funds"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Payment", paymentHeader())
	req.Header.Set("X-Mandate", signedMandateHeader(t, "m-2", []string{"quote"}, "1.00", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	s.handleAPI(w, req)

	if w.Code != 200 || w.Body.String() != `{"q":7}` {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.PaymentTxHash != nil {
		t.Fatalf("tx hash = %v, want null", rec.PaymentTxHash)
	}
	if rec.Outcome != receipt.OutcomeError || rec.ReasonCode != receipt.ReasonSettleFailed {
		t.Fatalf("outcome=%s reason=%s, want ERROR/SETTLE_FAILED", rec.Outcome, rec.ReasonCode)
	}
	if got := s.Tracker.Spent("m-2", spend.DayKey(time.Now())); got != 0 {
		t.Fatalf("spent = %d, want 0 after settle failure", got)
	}
}

func TestForwardedHeaderHygiene(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, name := range []string{"X-Payment", "X-Mandate", "Authorization", "X-Api-Key", "X-Request-Idempotency-Key", "X-Agent-Address"} {
			if r.Header.Get(name) != "" {
				t.Errorf("internal header %s leaked upstream", name)
			}
		}
		if r.Header.Get("X-Upstream-Key") != "upstream-secret" {
			t.Error("provider auth not injected")
		}
		if r.Header.Get("X-Custom") != "a, b" {
			t.Errorf("multi-value header = %q", r.Header.Get("X-Custom"))
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer upstream.Close()

	s := newTestServer(t, "")
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote?n=1", nil)
	req.Header.Set("X-Payment", paymentHeader())
	req.Header.Set("Authorization", "Bearer gateway-key")
	req.Header.Add("X-Custom", "a")
	req.Header.Add("X-Custom", "b")
	w := httptest.NewRecorder()
	s.handleAPI(w, req)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGatewayAPIKeyGate(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.APIKey = "gw-key"
	if err := s.Routes.Add(quoteRule("http://upstream.example")); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	w := httptest.NewRecorder()
	s.handleAPI(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonUnauthorized {
		t.Fatalf("reason = %s", rec.ReasonCode)
	}

	req = httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Api-Key", "gw-key")
	w = httptest.NewRecorder()
	s.handleAPI(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status with key = %d, want 402", w.Code)
	}
}

func TestBlockedAgentDenied(t *testing.T) {
	s := newTestServer(t, "")
	s.Blocklist.Add("0xBAD")
	if err := s.Routes.Add(quoteRule("http://upstream.example")); err != nil {
		t.Fatalf("add route: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/quote", nil)
	req.Header.Set("X-Agent-Address", "0xbad")
	w := httptest.NewRecorder()
	s.handleAPI(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	rec := decodeReceiptHeader(t, w.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonAgentBlocked {
		t.Fatalf("reason = %s", rec.ReasonCode)
	}
}

func TestRateLimited(t *testing.T) {
	s := newTestServer(t, "")
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	s.RateLimitPerMinute = 1
	if err := s.Routes.Add(quoteRule("http://upstream.example")); err != nil {
		t.Fatalf("add route: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/quote", nil)
		req.Header.Set("X-Agent-Address", "0xagent")
		w := httptest.NewRecorder()
		s.handleAPI(w, req)
		return w
	}
	if first := send(); first.Code != http.StatusPaymentRequired {
		t.Fatalf("first status = %d, want 402", first.Code)
	}
	second := send()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	rec := decodeReceiptHeader(t, second.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonRateLimited {
		t.Fatalf("reason = %s", rec.ReasonCode)
	}
}

func TestMandateBudgetExceededAcrossRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`ok`))
	}))
	defer upstream.Close()
	fac := &fakeFacilitator{verifyValid: true, settleOK: true, tx: "0x1"}
	facSrv := httptest.NewServer(fac.handler())
	defer facSrv.Close()

	s := newTestServer(t, facSrv.URL)
	if err := s.Routes.Add(quoteRule(upstream.URL)); err != nil {
		t.Fatalf("add route: %v", err)
	}
	header := signedMandateHeader(t, "m-budget", []string{"quote"}, "0.01", time.Now().Add(time.Hour))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/quote", nil)
		req.Header.Set("X-Payment", paymentHeader())
		req.Header.Set("X-Mandate", header)
		w := httptest.NewRecorder()
		s.handleAPI(w, req)
		return w
	}
	if first := send(); first.Code != 200 {
		t.Fatalf("first status = %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusForbidden {
		t.Fatalf("second status = %d, want 403", second.Code)
	}
	rec := decodeReceiptHeader(t, second.Header().Get("X-Receipt"))
	if rec.ReasonCode != receipt.ReasonMandateBudget {
		t.Fatalf("reason = %s", rec.ReasonCode)
	}
}
