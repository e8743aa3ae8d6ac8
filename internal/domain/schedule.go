package domain

import "time"

// ThresholdCap pairs a session-priority threshold with the current cap (in
// whole amperes) that applies to sessions whose priority is at least that
// threshold, within the owning Interval.
type ThresholdCap struct {
	Priority int
	CapA     int
}

// Interval is a half-open [Start, End) window of the day, minute-granularity,
// carrying an ascending list of ThresholdCap entries.
type Interval struct {
	Start time.Duration // offset from 00:00
	End   time.Duration
	Caps  []ThresholdCap // ascending by Priority
}

// Schedule is a finite covering partition of the 24-hour day used by an
// allocation Group to bound total current at a given session priority.
type Schedule struct {
	Raw       string // original text form, preserved for CSV round-trip
	Intervals []Interval
}

// CapAt returns the current cap, in amperes, applicable at the given time of
// day for a session of the given priority. It selects the interval covering
// the time, then the greatest threshold not exceeding priority. If no
// threshold qualifies, charging at that priority is disabled (0).
func (s *Schedule) CapAt(at time.Time, priority int) int {
	if s == nil {
		return 0
	}
	tod := timeOfDay(at)
	for _, iv := range s.Intervals {
		if !inInterval(tod, iv.Start, iv.End) {
			continue
		}
		cap := 0
		for _, tc := range iv.Caps {
			if tc.Priority <= priority {
				cap = tc.CapA
			} else {
				break
			}
		}
		return cap
	}
	return 0
}

// IntervalAt returns the interval covering the given time of day, or nil if
// none does (a validly-parsed schedule always covers the full day, so nil
// only arises for a zero-value Schedule).
func (s *Schedule) IntervalAt(at time.Time) *Interval {
	if s == nil {
		return nil
	}
	tod := timeOfDay(at)
	for i := range s.Intervals {
		if inInterval(tod, s.Intervals[i].Start, s.Intervals[i].End) {
			return &s.Intervals[i]
		}
	}
	return nil
}

func timeOfDay(at time.Time) time.Duration {
	h, m, sec := at.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

func inInterval(tod, start, end time.Duration) bool {
	return tod >= start && tod < end
}
