package schedule

import (
	"testing"
	"time"
)

func clockAt(h, m int) time.Time {
	return time.Date(2026, 7, 30, h, m, 0, 0, time.UTC)
}

func TestParse_RR1Gating(t *testing.T) {
	sch, err := Parse("00:00-16:59>0=24;17:00-20:59>0=0:5=48;21:00-23:59>0=24")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tests := []struct {
		name     string
		at       time.Time
		priority int
		want     int
	}{
		{"daytime priority 0", clockAt(10, 0), 0, 24},
		{"evening priority 0 gated off", clockAt(18, 0), 0, 0},
		{"evening priority 5 allowed", clockAt(18, 0), 5, 48},
		{"evening priority 3 falls to lower threshold", clockAt(18, 0), 3, 0},
		{"night priority 0", clockAt(22, 30), 0, 24},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := sch.CapAt(tc.at, tc.priority)
			if got != tc.want {
				t.Errorf("CapAt(%v, %d) = %d, want %d", tc.at, tc.priority, got, tc.want)
			}
		})
	}
}

func TestParse_RejectsGap(t *testing.T) {
	_, err := Parse("00:00-10:00>0=10;11:00-23:59>0=10")
	if err == nil {
		t.Fatal("expected error for schedule with a gap, got nil")
	}
}

func TestParse_RejectsOverlap(t *testing.T) {
	_, err := Parse("00:00-12:00>0=10;11:00-23:59>0=10")
	if err == nil {
		t.Fatal("expected error for overlapping schedule, got nil")
	}
}

func TestParse_RejectsNonAscendingPriorities(t *testing.T) {
	_, err := Parse("00:00-23:59>5=10:2=20")
	if err == nil {
		t.Fatal("expected error for non-ascending priorities, got nil")
	}
}

func TestParse_RejectsMissingCoverage(t *testing.T) {
	_, err := Parse("01:00-23:59>0=10")
	if err == nil {
		t.Fatal("expected error for schedule not starting at 00:00, got nil")
	}
}

func TestRoundTrip(t *testing.T) {
	texts := []string{
		"00:00-23:59>0=24",
		"00:00-16:59>0=24;17:00-20:59>0=0:5=48;21:00-23:59>0=24",
	}

	for _, text := range texts {
		sch, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", text, err)
		}

		reserialized := Serialize(sch)
		sch2, err := Parse(reserialized)
		if err != nil {
			t.Fatalf("Parse(Serialize(...)) failed: %v", err)
		}

		for h := 0; h < 24; h += 3 {
			for _, p := range []int{0, 1, 5} {
				at := clockAt(h, 0)
				if sch.CapAt(at, p) != sch2.CapAt(at, p) {
					t.Errorf("round-trip mismatch at %v priority %d: %d != %d",
						at, p, sch.CapAt(at, p), sch2.CapAt(at, p))
				}
			}
		}
	}
}
