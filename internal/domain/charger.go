package domain

import "time"

// ConnectorStatus mirrors the OCPP 1.6 StatusNotification status values plus
// Unknown, the state a connector is driven to when its charger goes stale.
type ConnectorStatus string

const (
	StatusUnknown        ConnectorStatus = "Unknown"
	StatusAvailable      ConnectorStatus = "Available"
	StatusPreparing      ConnectorStatus = "Preparing"
	StatusCharging       ConnectorStatus = "Charging"
	StatusSuspendedEV    ConnectorStatus = "SuspendedEV"
	StatusSuspendedEVSE  ConnectorStatus = "SuspendedEVSE"
	StatusFinishing      ConnectorStatus = "Finishing"
	StatusReserved       ConnectorStatus = "Reserved"
	StatusUnavailable    ConnectorStatus = "Unavailable"
	StatusFaulted        ConnectorStatus = "Faulted"
)

// Eligible reports whether a connector in this status may receive an
// allocator offer (spec.md §4.4 step 1).
func (s ConnectorStatus) Eligible() bool {
	switch s {
	case StatusPreparing, StatusCharging, StatusSuspendedEV:
		return true
	default:
		return false
	}
}

// Connector is one physical outlet on a Charger, owned 1:1 by it.
type Connector struct {
	Index  int // 1..N within the owning charger
	Status ConnectorStatus

	OfferA         int       // current installed offer, whole amperes
	LastOfferChange time.Time

	// Plateau is the sticky inferred ceiling for the live session, in
	// amperes; zero means unobserved. Resets only when the session ends.
	Plateau int

	// UnusedSuspendedUntil is set by the reclamation rule (step 7); the
	// connector is not re-evaluated for growth before this time.
	UnusedSuspendedUntil time.Time

	SessionID string // empty if no live session
}

// Charger is a physical OCPP charge point with 1..N connectors.
type Charger struct {
	ID       string
	Alias    string
	GroupID  string
	ConnMax  int // per-connector current cap, amperes
	Priority int // default session priority

	// AuthKeySHA is the SHA-256 hash of the HTTP Basic AuthorizationKey,
	// always kept locally regardless of whether Vault-backed storage of the
	// plaintext key is also enabled.
	AuthKeySHA string
	// AuthKeyRef is an opaque reference into the secret store (e.g. a Vault
	// KV path) when Vault-backed key storage is enabled; empty otherwise.
	AuthKeyRef string

	FirmwareVersion string
	Vendor          string
	Model           string

	Connectors map[int]*Connector

	LastSeen time.Time // last inbound OCPP traffic, used by the watchdog
}

// Connector looks up a connector by its 1-based index.
func (c *Charger) Connector(index int) (*Connector, bool) {
	if c == nil {
		return nil, false
	}
	conn, ok := c.Connectors[index]
	return conn, ok
}
