package allocator

import "time"

// Config holds the balanz loop's tuning knobs (spec.md §4.4), sourced from
// the `[balanz]` section of the INI config file.
type Config struct {
	RunInterval   time.Duration // 0 disables smart charging globally
	IntervalsFull int           // full pass cadence, in ticks
	FirstWait     time.Duration

	MinAllocationA           int
	MaxOfferIncreaseA        int
	MinOfferIncreaseInterval time.Duration
	WaitAfterReduce          time.Duration

	UsageMonitoringInterval time.Duration
	MarginLowerA            float64
	UsageThresholdA         float64

	SuspendedAllocationTimeout   time.Duration
	SuspendedDelayedTime         time.Duration
	SuspendedDelayedTimeNotFirst time.Duration
	EnergyThresholdWh           float64
	SuspendTopOfHour             bool
}

// DefaultConfig mirrors the documented defaults in spec.md §4.4.
func DefaultConfig() Config {
	return Config{
		RunInterval:                  5 * time.Second,
		IntervalsFull:                12,
		FirstWait:                    0,
		MinAllocationA:               6,
		MaxOfferIncreaseA:            3,
		MinOfferIncreaseInterval:     115 * time.Second,
		WaitAfterReduce:              5 * time.Second,
		UsageMonitoringInterval:      115 * time.Second,
		MarginLowerA:                 0.8,
		UsageThresholdA:              2,
		SuspendedAllocationTimeout:   300 * time.Second,
		SuspendedDelayedTime:         300 * time.Second,
		SuspendedDelayedTimeNotFirst: 300 * time.Second,
		EnergyThresholdWh:            1000,
		SuspendTopOfHour:             false,
	}
}
