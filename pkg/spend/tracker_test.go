package spend

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in   string
		want Micro
	}{
		{"$0.01", 10000},
		{"0.01", 10000},
		{"1", 1000000},
		{"1.5", 1500000},
		{"0.000001", 1},
		{"$12.345678", 12345678},
		{".25", 250000},
	}
	for _, c := range cases {
		got, err := ParseUSD(c.in)
		if err != nil {
			t.Fatalf("ParseUSD(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseUSD(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"", "$", "abc", "1.2.3", "0.0000001", "-1"} {
		if _, err := ParseUSD(bad); err == nil {
			t.Fatalf("ParseUSD(%q) should fail", bad)
		}
	}
}

func TestMicroDecimal(t *testing.T) {
	cases := map[Micro]string{
		0:        "0",
		10000:    "0.01",
		1000000:  "1",
		1500000:  "1.5",
		1:        "0.000001",
		12345678: "12.345678",
	}
	for in, want := range cases {
		if got := in.Decimal(); got != want {
			t.Fatalf("(%d).Decimal() = %q, want %q", in, got, want)
		}
	}
}

func TestTrackerReserveCommitRelease(t *testing.T) {
	tr := NewTracker()
	day := DayKey(time.Now())
	cap := Micro(100)

	if err := tr.Reserve("m1", day, 60, cap); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// A second reservation must see the outstanding one.
	if err := tr.Reserve("m1", day, 60, cap); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}

	tr.Commit("m1", day, 60)
	if got := tr.Spent("m1", day); got != 60 {
		t.Fatalf("spent = %d, want 60", got)
	}
	if got := tr.Lifetime("m1"); got != 60 {
		t.Fatalf("lifetime = %d, want 60", got)
	}

	if err := tr.Reserve("m1", day, 40, cap); err != nil {
		t.Fatalf("reserve up to cap: %v", err)
	}
	tr.Release("m1", day, 40)
	if err := tr.Reserve("m1", day, 40, cap); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if err := tr.Reserve("m1", day, 1, cap); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded at cap, got %v", err)
	}
}

func TestTrackerConcurrentReservationsNeverExceedCap(t *testing.T) {
	tr := NewTracker()
	day := DayKey(time.Now())
	cap := Micro(1000)
	price := Micro(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Reserve("m", day, price, cap); err == nil {
				tr.Commit("m", day, price)
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 100 {
		t.Fatalf("admitted %d requests, cap allows exactly 100", admitted)
	}
	if got := tr.Spent("m", day); got != cap {
		t.Fatalf("spent = %d, want %d", got, cap)
	}
}

func TestTrackerDayIsolation(t *testing.T) {
	tr := NewTracker()
	tr.Commit("m", "2026-08-23", 50)
	tr.Commit("m", "2026-08-24", 30)
	if got := tr.Spent("m", "2026-08-24"); got != 30 {
		t.Fatalf("today = %d, want 30", got)
	}
	if got := tr.Spent("m", "2026-08-23"); got != 50 {
		t.Fatalf("yesterday = %d, want 50", got)
	}
	if got := tr.Lifetime("m"); got != 80 {
		t.Fatalf("lifetime = %d, want 80", got)
	}

	snap := tr.Snapshot("2026-08-24")
	if len(snap) != 1 || snap[0].DayUSDC != "0.00003" || snap[0].TotalUSDC != "0.00008" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
