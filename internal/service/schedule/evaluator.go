// Package schedule parses and serializes the text form of a group's
// max_allocation schedule: INTERVAL;INTERVAL;... where
// INTERVAL = HH:MM-HH:MM>PRIO=CAP[:PRIO=CAP]*.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/balanzlc/balanz/internal/domain"
)

// InvalidSchedule is returned (wrapped) when the text form overlaps, gaps,
// lists non-ascending priorities, or is otherwise malformed.
type InvalidSchedule struct {
	Reason string
}

func (e *InvalidSchedule) Error() string {
	return fmt.Sprintf("invalid schedule: %s", e.Reason)
}

// Parse parses the text form into a domain.Schedule, validating that the
// intervals form a gapless, non-overlapping cover of the 24-hour day and
// that each interval's priority thresholds are strictly ascending. An
// interval's end minute is inclusive, so consecutive intervals read
// "..-16:59;17:00-.." and the last one ends at 23:59.
func Parse(text string) (*domain.Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &InvalidSchedule{Reason: "empty schedule"}
	}

	tokens := strings.Split(text, ";")
	intervals := make([]domain.Interval, 0, len(tokens))

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		iv, err := parseInterval(tok)
		if err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}

	if len(intervals) == 0 {
		return nil, &InvalidSchedule{Reason: "no intervals"}
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	if intervals[0].Start != 0 {
		return nil, &InvalidSchedule{Reason: "schedule does not start at 00:00"}
	}
	for i := 1; i < len(intervals); i++ {
		if intervals[i].Start != intervals[i-1].End {
			return nil, &InvalidSchedule{Reason: "schedule has a gap or overlap"}
		}
	}
	last := intervals[len(intervals)-1]
	if last.End != 24*time.Hour {
		return nil, &InvalidSchedule{Reason: "schedule does not cover through 23:59"}
	}

	return &domain.Schedule{Raw: text, Intervals: intervals}, nil
}

func parseInterval(tok string) (domain.Interval, error) {
	rangeAndCaps := strings.SplitN(tok, ">", 2)
	if len(rangeAndCaps) != 2 {
		return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("malformed interval %q", tok)}
	}

	times := strings.SplitN(rangeAndCaps[0], "-", 2)
	if len(times) != 2 {
		return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("malformed time range %q", rangeAndCaps[0])}
	}
	start, err := parseClock(times[0])
	if err != nil {
		return domain.Interval{}, err
	}
	end, err := parseClock(times[1])
	if err != nil {
		return domain.Interval{}, err
	}
	// The end minute is inclusive ("17:00-20:59" runs up to 21:00), so the
	// half-open End stored in domain.Interval is one minute past it.
	end += time.Minute
	if end <= start {
		return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("interval end not after start in %q", tok)}
	}

	capTokens := strings.Split(rangeAndCaps[1], ":")
	caps := make([]domain.ThresholdCap, 0, len(capTokens))
	prevPriority := -1
	for _, ct := range capTokens {
		parts := strings.SplitN(ct, "=", 2)
		if len(parts) != 2 {
			return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("malformed threshold %q", ct)}
		}
		priority, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || priority < 0 {
			return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("invalid priority %q", parts[0])}
		}
		capA, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || capA < 0 {
			return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("invalid cap %q", parts[1])}
		}
		if priority <= prevPriority {
			return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("priorities not ascending in %q", tok)}
		}
		prevPriority = priority
		caps = append(caps, domain.ThresholdCap{Priority: priority, CapA: capA})
	}
	if len(caps) == 0 {
		return domain.Interval{}, &InvalidSchedule{Reason: fmt.Sprintf("interval %q has no thresholds", tok)}
	}

	return domain.Interval{Start: start, End: end, Caps: caps}, nil
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, &InvalidSchedule{Reason: fmt.Sprintf("malformed clock %q", s)}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, &InvalidSchedule{Reason: fmt.Sprintf("invalid hour %q", parts[0])}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, &InvalidSchedule{Reason: fmt.Sprintf("invalid minute %q", parts[1])}
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Serialize reconstructs the text form from a parsed schedule. Round-tripping
// through Parse yields a schedule with identical CapAt behavior, though not
// necessarily byte-identical text (e.g. whitespace is normalized).
func Serialize(s *domain.Schedule) string {
	parts := make([]string, 0, len(s.Intervals))
	for _, iv := range s.Intervals {
		capParts := make([]string, 0, len(iv.Caps))
		for _, tc := range iv.Caps {
			capParts = append(capParts, fmt.Sprintf("%d=%d", tc.Priority, tc.CapA))
		}
		// Back from the half-open End to the inclusive end minute of the text.
		endStr := formatClock(iv.End - time.Minute)
		parts = append(parts, fmt.Sprintf("%s-%s>%s", formatClock(iv.Start), endStr, strings.Join(capParts, ":")))
	}
	return strings.Join(parts, ";")
}

func formatClock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
