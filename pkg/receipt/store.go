package receipt

import (
	"sync"

	"paygate/pkg/spend"
)

// Store is the append-only in-memory receipt log. Receipts do not
// survive a restart; exports go through the receipt bus.
type Store struct {
	mu       sync.Mutex
	receipts []Receipt
	max      int
}

// NewStore bounds the log at max entries (oldest dropped first);
// max <= 0 means unbounded.
func NewStore(max int) *Store {
	return &Store{max: max}
}

func (s *Store) Append(r Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	if s.max > 0 && len(s.receipts) > s.max {
		s.receipts = s.receipts[len(s.receipts)-s.max:]
	}
}

// Query lists receipts newest first, optionally filtered by tool_id
// and outcome; limit <= 0 returns everything.
func (s *Store) Query(toolID string, outcome Outcome, limit int) []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Receipt, 0, len(s.receipts))
	for i := len(s.receipts) - 1; i >= 0; i-- {
		r := s.receipts[i]
		if toolID != "" && r.ToolID != toolID {
			continue
		}
		if outcome != "" && r.Outcome != outcome {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.receipts = nil
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// Stats are derived on demand from the log.
type Stats struct {
	Total          int     `json:"total"`
	Success        int     `json:"success"`
	Denied         int     `json:"denied"`
	Errored        int     `json:"errored"`
	SuccessRate    float64 `json:"success_rate"`
	TotalUSDC      string  `json:"total_usdc"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	ByReason       map[string]int `json:"by_reason"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ByReason: map[string]int{}}
	var totalUSDC spend.Micro
	var latencySum int64
	var latencyCount int
	for _, r := range s.receipts {
		st.Total++
		st.ByReason[r.ReasonCode]++
		switch r.Outcome {
		case OutcomeSuccess:
			st.Success++
			if amount, err := spend.ParseUSD(r.PriceUSDC); err == nil {
				totalUSDC += amount
			}
		case OutcomeDenied:
			st.Denied++
		case OutcomeError:
			st.Errored++
		}
		if r.LatencyMS > 0 {
			latencySum += r.LatencyMS
			latencyCount++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
	}
	if latencyCount > 0 {
		st.AvgLatencyMS = float64(latencySum) / float64(latencyCount)
	}
	st.TotalUSDC = totalUSDC.Decimal()
	return st
}
