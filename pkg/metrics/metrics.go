package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics surface: per-endpoint latency and
// error counts, pipeline outcome and reason counters, settled volume
// and facilitator latency. Exposed as JSON and as Prometheus text.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	outcome         map[string]int64
	reason          map[string]int64
	gauges          map[string]float64
	settledMicro    int64
	settleLatency   LatencyStat
	verifyLatency   LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Outcomes             map[string]int64        `json:"outcomes"`
	Reasons              map[string]int64        `json:"reasons"`
	Gauges               map[string]float64      `json:"gauges"`
	SettledMicroUSDC     int64                   `json:"settled_micro_usdc"`
	SettleLatencyMS      LatencyStat             `json:"settle_latency_ms"`
	VerifyLatencyMS      LatencyStat             `json:"verify_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		reason:   map[string]int64{},
		gauges:   map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// AddSettled accumulates settled volume in micro-USDC.
func (r *Registry) AddSettled(micro int64) {
	if micro <= 0 {
		return
	}
	r.mu.Lock()
	r.settledMicro += micro
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	r.mu.Lock()
	observeLatencyLocked(&r.verifyLatency, d)
	r.mu.Unlock()
}

func (r *Registry) ObserveSettleLatency(d time.Duration) {
	r.mu.Lock()
	observeLatencyLocked(&r.settleLatency, d)
	r.mu.Unlock()
}

func observeLatencyLocked(s *LatencyStat, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	s.Count++
	s.TotalMS += ms
	s.LastMS = ms
	if ms > s.MaxMS {
		s.MaxMS = ms
	}
	s.AvgMS = float64(s.TotalMS) / float64(s.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:         make(map[string]int64, len(r.outcome)),
		Reasons:          make(map[string]int64, len(r.reason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		SettledMicroUSDC: r.settledMicro,
		SettleLatencyMS:  r.settleLatency,
		VerifyLatencyMS:  r.verifyLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP paygate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE paygate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "paygate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP paygate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE paygate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "paygate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP paygate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE paygate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "paygate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP paygate_outcome_total receipts by outcome\n")
		b.WriteString("# TYPE paygate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "paygate_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP paygate_reason_total receipts by reason code\n")
		b.WriteString("# TYPE paygate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "paygate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP paygate_settled_micro_usdc_total settled volume in micro USDC\n")
		b.WriteString("# TYPE paygate_settled_micro_usdc_total counter\n")
		fmt.Fprintf(b, "paygate_settled_micro_usdc_total %d\n", snap.SettledMicroUSDC)
		b.WriteString("# HELP paygate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE paygate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "paygate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP paygate_verify_latency_ms facilitator verify latency in ms\n")
		b.WriteString("# TYPE paygate_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "paygate_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "paygate_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "paygate_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)
		b.WriteString("# HELP paygate_settle_latency_ms facilitator settle latency in ms\n")
		b.WriteString("# TYPE paygate_settle_latency_ms gauge\n")
		fmt.Fprintf(b, "paygate_settle_latency_ms{stat=%q} %d\n", "last", snap.SettleLatencyMS.LastMS)
		fmt.Fprintf(b, "paygate_settle_latency_ms{stat=%q} %.3f\n", "avg", snap.SettleLatencyMS.AvgMS)
		fmt.Fprintf(b, "paygate_settle_latency_ms{stat=%q} %d\n", "max", snap.SettleLatencyMS.MaxMS)
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
