package domain

import "time"

// OfferStep records one (timestamp, offer) transition in a session's history,
// used for both the idempotence/monotonicity property and the sessions.csv
// history column.
type OfferStep struct {
	At     time.Time
	OfferA int // -1 encodes the literal "None" used in sessions.csv
}

// Session is a single charging transaction on one connector.
type Session struct {
	ID            string
	ChargerID     string
	ConnectorIdx  int
	IDTag         string
	StopIDTag     string
	Priority      int
	StartTime     time.Time
	StopTime      time.Time
	StopReason    string // empty while live; "stale", "config_reload", etc. once closed

	EnergyWh      float64 // cumulative meter energy, watt-hours
	PhaseCurrents [3]float64 // last reported per-phase current, amperes

	// LastActivity is the last time a meter value or status update touched
	// this session; the watchdog force-closes sessions that go silent past
	// transaction_timeout.
	LastActivity time.Time

	History []OfferStep

	// UnusedSuspended marks the session as ineligible for allocation because
	// it sat idle under usage_threshold for a full monitoring window (step 7).
	UnusedSuspended bool
}

// Live reports whether the session has not yet been stopped.
func (s *Session) Live() bool {
	return s != nil && s.StopTime.IsZero()
}

// Duration returns the session's elapsed wall-clock time, using now if the
// session is still live.
func (s *Session) Duration(now time.Time) time.Duration {
	end := s.StopTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartTime)
}

// RecordOffer appends a (now, offer) entry to the session's history,
// preserving the monotonically-non-decreasing-timestamp invariant.
func (s *Session) RecordOffer(now time.Time, offerA int) {
	s.History = append(s.History, OfferStep{At: now, OfferA: offerA})
}
