package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paygate/pkg/guard"
	"paygate/pkg/httpx"
	"paygate/pkg/mandate"
	"paygate/pkg/payment"
	"paygate/pkg/proxy"
	"paygate/pkg/receipt"
	"paygate/pkg/spend"
	"paygate/pkg/stream"
)

// handleAPI runs the admission pipeline for one gated request. Stages
// run in a fixed order and each can short-circuit with a typed denial;
// whatever happens, exactly one receipt is emitted per response.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := strings.TrimPrefix(r.URL.Path, "/api")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	rec := receipt.New(r.Method, path)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			status = http.StatusRequestEntityTooLarge
		}
		s.deny(w, rec, start, status, receipt.ReasonInternalError, "unreadable request body")
		return
	}
	rec.RequestHash = receipt.HashBody(body)

	if !guard.APIKeyOK(r, s.apiKey()) {
		s.deny(w, rec, start, http.StatusUnauthorized, receipt.ReasonUnauthorized, "missing or invalid gateway credential")
		return
	}

	agent := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Agent-Address")))

	if s.RateLimiter != nil && s.RateLimitPerMinute > 0 {
		key := agent
		if key == "" {
			key = clientIP(r)
		}
		if d := s.RateLimiter.Allow(key, s.RateLimitPerMinute); !d.Allowed {
			if wait := int(time.Until(d.ResetAt).Seconds()) + 1; wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(wait))
			}
			s.deny(w, rec, start, http.StatusTooManyRequests, receipt.ReasonRateLimited, "rate limit exceeded")
			return
		}
	}

	if agent != "" && s.Blocklist.Contains(agent) {
		s.deny(w, rec, start, http.StatusForbidden, receipt.ReasonAgentBlocked, "agent address is blocked")
		return
	}

	rule, _, found := s.Routes.Match(r.Method, path)
	if !found {
		s.deny(w, rec, start, http.StatusNotFound, receipt.ReasonRouteNotFound, "no route for "+r.Method+" "+path)
		return
	}
	rec.ToolID = rule.ToolID
	rec.ProviderID = rule.Provider.ID
	rec.PriceUSDC = strings.TrimPrefix(strings.TrimSpace(rule.Price), "$")
	rec.Chain = s.Payments.Network()

	if idem := strings.TrimSpace(r.Header.Get("X-Request-Idempotency-Key")); idem != "" {
		fresh, err := s.Replay.CheckAndStore(r.Context(), idem, rec.RequestHash)
		if err != nil {
			s.deny(w, rec, start, http.StatusInternalServerError, receipt.ReasonInternalError, "replay store unavailable")
			return
		}
		if !fresh {
			s.deny(w, rec, start, http.StatusConflict, receipt.ReasonReplayDetected, "duplicate idempotency key for identical request")
			return
		}
	}

	price, err := spend.ParseUSD(rule.Price)
	if err != nil {
		s.deny(w, rec, start, http.StatusInternalServerError, receipt.ReasonInternalError, "route price is not a valid USD amount")
		return
	}

	now := time.Now()
	day := spend.DayKey(now)
	reserved := false
	var m *mandate.Mandate
	release := func() {
		if reserved {
			s.Tracker.Release(m.MandateID, day, price)
			reserved = false
		}
	}

	if header := r.Header.Get("X-Mandate"); header != "" {
		m, err = mandate.Parse(header)
		if err != nil {
			rec.MandateVerdict = receipt.VerdictDenied
			s.deny(w, rec, start, http.StatusForbidden, receipt.ReasonInvalidSignature, err.Error())
			return
		}
		rec.MandateID = m.MandateID
		if h, err := mandate.Hash(m); err == nil {
			rec.MandateHash = h
		}
		confirmed := strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Mandate-Confirm")), "true")
		if err := s.Verifier.Approve(m, rule.ToolID, price, confirmed, now); err != nil {
			rec.MandateVerdict = receipt.VerdictDenied
			s.deny(w, rec, start, http.StatusForbidden, mandateReason(err), err.Error())
			return
		}
		rec.MandateVerdict = receipt.VerdictApproved
		reserved = true
	}

	paymentHeader := strings.TrimSpace(r.Header.Get("X-Payment"))
	if paymentHeader == "" {
		release()
		challenge, err := s.Payments.Challenge(rule.ToolID)
		if err != nil {
			s.deny(w, rec, start, http.StatusInternalServerError, receipt.ReasonInternalError, "no payment requirement for route")
			return
		}
		rec.Outcome = receipt.OutcomeDenied
		rec.ReasonCode = receipt.ReasonInvalidPayment
		rec.Explanation = "payment required"
		s.emit(rec, start)
		w.Header().Set("X-Receipt", rec.EncodeHeader())
		httpx.WriteJSON(w, http.StatusPaymentRequired, challenge)
		return
	}

	payload, err := payment.DecodePayment(paymentHeader)
	if err != nil {
		release()
		s.deny(w, rec, start, http.StatusPaymentRequired, receipt.ReasonInvalidPayment, err.Error())
		return
	}
	verifyStart := time.Now()
	verdict, err := s.Payments.Verify(r.Context(), rule.ToolID, payload)
	s.Metrics.ObserveVerifyLatency(time.Since(verifyStart))
	if err != nil {
		release()
		s.deny(w, rec, start, http.StatusInternalServerError, receipt.ReasonInternalError, "payment verification unavailable")
		return
	}
	if !verdict.IsValid {
		release()
		explanation := verdict.InvalidReason
		if explanation == "" {
			explanation = "payment rejected"
		}
		s.deny(w, rec, start, http.StatusPaymentRequired, receipt.ReasonInvalidPayment, explanation)
		return
	}

	s.Anchor.EnqueueIntent(rec.RequestID, rec.RequestHash)

	upstream, err := proxy.Forward(r.Context(), s.HTTPClient, rule.Provider, r.Method, path, r.URL.RawQuery, r.Header, body)
	if err != nil {
		release()
		log.Printf("upstream %s %s failed: %v", r.Method, path, err)
		s.deny(w, rec, start, http.StatusBadGateway, receipt.ReasonUpstreamErrorNoCharge, "upstream request failed; no charge recorded")
		return
	}
	rec.ResponseHash = receipt.HashBody(upstream.Body)

	// Settle on a detached context: a client disconnect after verify
	// must not leave a verified payment unsettled.
	settleCtx, cancel := context.WithTimeout(context.Background(), s.SettleTimeout)
	settleStart := time.Now()
	settled, err := s.Payments.Settle(settleCtx, rule.ToolID, payload)
	cancel()
	s.Metrics.ObserveSettleLatency(time.Since(settleStart))

	switch {
	case err != nil || !settled.Success:
		release()
		reason := "settlement failed"
		if err != nil {
			reason = err.Error()
		} else if settled.ErrorReason != "" {
			reason = settled.ErrorReason
		}
		log.Printf("settle for %s failed: %s", rec.RequestID, reason)
		rec.Outcome = receipt.OutcomeError
		rec.ReasonCode = receipt.ReasonSettleFailed
		rec.Explanation = "settlement failed; upstream response delivered without charge"
	default:
		if settled.Transaction != "" {
			tx := settled.Transaction
			rec.PaymentTxHash = &tx
		}
		rec.FacilitatorReceiptID = settled.ReceiptID
		if reserved {
			s.Tracker.Commit(m.MandateID, day, price)
			reserved = false
		}
		s.Metrics.AddSettled(int64(price))
		s.Anchor.EnqueueReveal(rec.RequestID, rec.ResponseHash)
		rec.Outcome = receipt.OutcomeSuccess
		rec.ReasonCode = receipt.ReasonOK
	}

	s.emit(rec, start)
	copyUpstreamHeaders(w.Header(), upstream.Header)
	w.Header().Set("X-Receipt", rec.EncodeHeader())
	w.WriteHeader(upstream.Status)
	_, _ = w.Write(upstream.Body)
}

// deny terminates the pipeline with a typed denial receipt.
func (s *Server) deny(w http.ResponseWriter, rec *receipt.Receipt, start time.Time, status int, reason, explanation string) {
	rec.Outcome = receipt.OutcomeDenied
	if reason == receipt.ReasonInternalError || reason == receipt.ReasonUpstreamErrorNoCharge {
		rec.Outcome = receipt.OutcomeError
	}
	rec.ReasonCode = reason
	rec.Explanation = explanation
	s.emit(rec, start)
	w.Header().Set("X-Receipt", rec.EncodeHeader())
	httpx.WriteJSON(w, status, map[string]interface{}{
		"error":       explanation,
		"reason_code": reason,
		"request_id":  rec.RequestID,
	})
}

// emit finalizes the receipt and fans it out to the log, the metrics
// registry, the live stream and the optional export bus.
func (s *Server) emit(rec *receipt.Receipt, start time.Time) {
	rec.LatencyMS = time.Since(start).Milliseconds()
	s.Receipts.Append(*rec)
	s.Metrics.IncOutcome(string(rec.Outcome))
	s.Metrics.IncReason(rec.ReasonCode)
	s.Events.Publish(stream.NewEvent(stream.TypeReceipt, rec))
	if s.Bus != nil {
		go func(r receipt.Receipt) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Bus.Publish(ctx, r); err != nil {
				log.Printf("receipt bus: %v", err)
			}
		}(*rec)
	}
}

func mandateReason(err error) string {
	switch {
	case errors.Is(err, mandate.ErrExpired):
		return receipt.ReasonMandateExpired
	case errors.Is(err, mandate.ErrNotAllowlisted):
		return receipt.ReasonNotAllowlisted
	case errors.Is(err, mandate.ErrConfirmRequired):
		return receipt.ReasonMandateConfirm
	case errors.Is(err, spend.ErrBudgetExceeded):
		return receipt.ReasonMandateBudget
	default:
		return receipt.ReasonInvalidSignature
	}
}

func copyUpstreamHeaders(dst, src http.Header) {
	for name, vals := range src {
		if proxy.Dropped(name) {
			continue
		}
		for _, v := range vals {
			dst.Add(name, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
