package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paygate/pkg/config"
	"paygate/pkg/guard"
	"paygate/pkg/httpx"
	"paygate/pkg/receipt"
	"paygate/pkg/routes"
	"paygate/pkg/spend"
	"paygate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func (s *Server) adminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requireAdmin)
	r.Get("/routes", s.listRoutes)
	r.Post("/routes", s.addRoute)
	r.Put("/routes/{tool_id}", s.replaceRoute)
	r.Delete("/routes/{tool_id}", s.deleteRoute)
	r.Get("/receipts", s.listReceipts)
	r.Get("/receipts/stats", s.receiptStats)
	r.Delete("/receipts", s.clearReceipts)
	r.Get("/blocklist", s.listBlocklist)
	r.Post("/blocklist", s.addBlocked)
	r.Delete("/blocklist/{address}", s.removeBlocked)
	r.Get("/spend", s.spendSnapshot)
	r.Get("/config", s.getConfig)
	r.Put("/config", s.putConfig)
	r.Get("/stream", s.streamReceipts)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "admin surface disabled: no ADMIN_KEY configured")
			return
		}
		presented := strings.TrimSpace(r.Header.Get("Authorization"))
		presented = strings.TrimSpace(strings.TrimPrefix(presented, "Bearer "))
		if presented == "" {
			presented = strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.AdminKey)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "admin credential required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, routes.Document{Routes: s.Routes.Snapshot()})
}

// vetRoute runs the registration predicates: SSRF guard on the backend
// host and the x402-upstream probe. The per-rule skip flag bypasses
// both; the global skip only disables the resolver check.
func (s *Server) vetRoute(ctx context.Context, rule routes.Rule) (string, error) {
	if rule.SkipSSRFCheck {
		return "", nil
	}
	if !s.SkipSSRFCheck {
		if err := guard.CheckBackendURL(ctx, s.Resolver, rule.Provider.BackendURL); err != nil {
			return receipt.ReasonSSRFBlocked, err
		}
	}
	if err := guard.ProbeX402(ctx, s.ProbeClient, rule.Provider.BackendURL, rule.Path, s.ProbeTimeout); err != nil {
		return receipt.ReasonX402UpstreamBlocked, err
	}
	return "", nil
}

func (s *Server) persistRoutes(w http.ResponseWriter) bool {
	if err := routes.SaveFile(s.RoutesPath, s.Routes.Snapshot()); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "persist routes: "+err.Error())
		return false
	}
	return true
}

func decodeRule(w http.ResponseWriter, r *http.Request) (routes.Rule, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable request body")
		return routes.Rule{}, false
	}
	var rule routes.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid route json")
		return routes.Rule{}, false
	}
	if err := rule.Validate(); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return routes.Rule{}, false
	}
	return rule, true
}

func writeRouteVetError(w http.ResponseWriter, reason string, err error) {
	httpx.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":       err.Error(),
		"reason_code": reason,
	})
}

func (s *Server) addRoute(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if reason, err := s.vetRoute(r.Context(), rule); err != nil {
		writeRouteVetError(w, reason, err)
		return
	}
	if err := s.Routes.Add(rule); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, routes.ErrDuplicate) {
			status = http.StatusConflict
		}
		httpx.Error(w, status, err.Error())
		return
	}
	if !s.persistRoutes(w) {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeRouteChange, map[string]string{"op": "add", "tool_id": rule.ToolID}))
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) replaceRoute(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool_id")
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if reason, err := s.vetRoute(r.Context(), rule); err != nil {
		writeRouteVetError(w, reason, err)
		return
	}
	if err := s.Routes.Replace(toolID, rule); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, routes.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, routes.ErrDuplicate):
			status = http.StatusConflict
		}
		httpx.Error(w, status, err.Error())
		return
	}
	if !s.persistRoutes(w) {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeRouteChange, map[string]string{"op": "replace", "tool_id": rule.ToolID}))
	httpx.WriteJSON(w, 200, rule)
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool_id")
	if err := s.Routes.Remove(toolID); err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if !s.persistRoutes(w) {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeRouteChange, map[string]string{"op": "remove", "tool_id": toolID}))
	httpx.WriteJSON(w, 200, map[string]string{"deleted": toolID})
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	out := s.Receipts.Query(
		r.URL.Query().Get("tool_id"),
		receipt.Outcome(strings.ToUpper(r.URL.Query().Get("outcome"))),
		limit,
	)
	httpx.WriteJSON(w, 200, map[string]interface{}{"receipts": out, "count": len(out)})
}

func (s *Server) receiptStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Receipts.Stats())
}

func (s *Server) clearReceipts(w http.ResponseWriter, r *http.Request) {
	s.Receipts.Clear()
	httpx.WriteJSON(w, 200, map[string]string{"status": "cleared"})
}

func (s *Server) listBlocklist(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"blocked": s.Blocklist.List()})
}

func (s *Server) addBlocked(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		httpx.Error(w, http.StatusBadRequest, "address required")
		return
	}
	s.Blocklist.Add(req.Address)
	s.persistBlocklist(w)
}

func (s *Server) removeBlocked(w http.ResponseWriter, r *http.Request) {
	s.Blocklist.Remove(chi.URLParam(r, "address"))
	s.persistBlocklist(w)
}

func (s *Server) persistBlocklist(w http.ResponseWriter) {
	doc := s.configDoc()
	doc.AgentBlocklist = s.Blocklist.List()
	s.cfgMu.Lock()
	s.cfg = doc
	s.cfgMu.Unlock()
	if err := config.SaveDoc(s.ConfigPath, doc); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "persist config: "+err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"blocked": doc.AgentBlocklist})
}

func (s *Server) spendSnapshot(w http.ResponseWriter, r *http.Request) {
	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = spend.DayKey(time.Now())
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"day": day, "mandates": s.Tracker.Snapshot(day)})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	doc := s.configDoc()
	// The API key is a credential, not dashboard state.
	doc.APIKey = ""
	httpx.WriteJSON(w, 200, doc)
}

// putConfig merges and persists the dashboard config. The payment
// network is fixed at boot; a changed network name here is stored for
// display but does not retarget the facilitator.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var incoming config.Doc
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid config json")
		return
	}
	merged := s.configDoc().Merge(incoming)
	if err := config.SaveDoc(s.ConfigPath, merged); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "persist config: "+err.Error())
		return
	}
	s.setConfigDoc(merged)
	s.Events.Publish(stream.NewEvent(stream.TypeConfig, nil))
	merged.APIKey = ""
	httpx.WriteJSON(w, 200, merged)
}

func (s *Server) streamReceipts(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
