package spend

import (
	"errors"
	"sync"
	"time"
)

var ErrBudgetExceeded = errors.New("daily spend budget exceeded")

// DayKey is the UTC day bucket used for all daily counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Tracker keeps per-mandate daily and lifetime USDC counters. Budget
// enforcement is reservation-based: Reserve performs the check-and-add
// under the lock so that concurrent requests on the same mandate can
// never jointly exceed the cap. A reservation is later committed (the
// settlement went through) or released (the request was denied or
// errored before charging).
type Tracker struct {
	mu       sync.Mutex
	daily    map[string]map[string]Micro // mandate_id -> day -> settled
	reserved map[string]map[string]Micro // mandate_id -> day -> in flight
	lifetime map[string]Micro
}

func NewTracker() *Tracker {
	return &Tracker{
		daily:    map[string]map[string]Micro{},
		reserved: map[string]map[string]Micro{},
		lifetime: map[string]Micro{},
	}
}

// Spent returns the settled total for the mandate on the given day.
func (t *Tracker) Spent(mandateID, day string) Micro {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily[mandateID][day]
}

// Lifetime returns the all-time settled total for the mandate.
func (t *Tracker) Lifetime(mandateID string) Micro {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lifetime[mandateID]
}

// Reserve holds amount against the mandate's daily cap. The check
// counts both settled spend and outstanding reservations.
func (t *Tracker) Reserve(mandateID, day string, amount, cap Micro) error {
	if amount < 0 {
		amount = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.daily[mandateID][day]+t.reserved[mandateID][day]+amount > cap {
		return ErrBudgetExceeded
	}
	bucket := t.reserved[mandateID]
	if bucket == nil {
		bucket = map[string]Micro{}
		t.reserved[mandateID] = bucket
	}
	bucket[day] += amount
	return nil
}

// Commit converts a reservation into settled spend and bumps the
// lifetime counter.
func (t *Tracker) Commit(mandateID, day string, amount Micro) {
	if amount < 0 {
		amount = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(mandateID, day, amount)
	bucket := t.daily[mandateID]
	if bucket == nil {
		bucket = map[string]Micro{}
		t.daily[mandateID] = bucket
	}
	bucket[day] += amount
	t.lifetime[mandateID] += amount
}

// Release drops a reservation without recording spend.
func (t *Tracker) Release(mandateID, day string, amount Micro) {
	if amount < 0 {
		amount = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(mandateID, day, amount)
}

func (t *Tracker) releaseLocked(mandateID, day string, amount Micro) {
	bucket := t.reserved[mandateID]
	if bucket == nil {
		return
	}
	bucket[day] -= amount
	if bucket[day] <= 0 {
		delete(bucket, day)
	}
	if len(bucket) == 0 {
		delete(t.reserved, mandateID)
	}
}

// MandateSpend is one row of the admin spend view.
type MandateSpend struct {
	MandateID string `json:"mandate_id"`
	DayUSDC   string `json:"day_usdc"`
	TotalUSDC string `json:"total_usdc"`
}

// Snapshot lists every known mandate with its spend for the given day
// and its lifetime total.
func (t *Tracker) Snapshot(day string) []MandateSpend {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]struct{}{}
	for id := range t.daily {
		seen[id] = struct{}{}
	}
	for id := range t.lifetime {
		seen[id] = struct{}{}
	}
	out := make([]MandateSpend, 0, len(seen))
	for id := range seen {
		out = append(out, MandateSpend{
			MandateID: id,
			DayUSDC:   t.daily[id][day].Decimal(),
			TotalUSDC: t.lifetime[id].Decimal(),
		})
	}
	return out
}
