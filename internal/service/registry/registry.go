// Package registry implements the model registry: the single authoritative
// owner of Groups, Chargers, Connectors, Tags and Sessions (spec.md §3, §4.2).
// All mutation goes through the Registry's single-writer lock; readers take
// a copy-on-read Snapshot.
package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
)

// Config holds the registry's policy knobs that are not themselves entities.
type Config struct {
	AutoregisterEnabled bool
	AutoregisterGroupID string
	DefaultConnMax      int
	DefaultPriority     int
	DefaultConnectors   int
	UnknownTagsAllowed  bool
}

// Registry is the single-writer owner of the model. Every exported method
// that mutates state takes the write lock; Snapshot takes only a brief read
// lock to copy references.
type Registry struct {
	mu sync.RWMutex

	groups   map[string]*domain.Group
	chargers map[string]*domain.Charger
	aliases  map[string]string // alias -> charger id
	tags     map[string]*domain.Tag
	sessions map[string]*domain.Session

	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Registry {
	return &Registry{
		groups:   make(map[string]*domain.Group),
		chargers: make(map[string]*domain.Charger),
		aliases:  make(map[string]string),
		tags:     make(map[string]*domain.Tag),
		sessions: make(map[string]*domain.Session),
		cfg:      cfg,
		log:      log,
	}
}

// --- Groups ---

func (r *Registry) AddGroup(g *domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.ID]; exists {
		return domain.NewError(domain.KindModel, "AddGroup", fmt.Errorf("duplicate group id %q", g.ID))
	}

	trial := r.cloneGroups()
	trial[g.ID] = g
	if err := validateTree(trial); err != nil {
		return domain.NewError(domain.KindModel, "AddGroup", err)
	}

	r.groups[g.ID] = g
	return nil
}

func (r *Registry) UpdateGroup(g *domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.ID]; !exists {
		return domain.NewError(domain.KindModel, "UpdateGroup", fmt.Errorf("unknown group id %q", g.ID))
	}

	trial := r.cloneGroups()
	trial[g.ID] = g
	if err := validateTree(trial); err != nil {
		return domain.NewError(domain.KindModel, "UpdateGroup", err)
	}

	r.groups[g.ID] = g
	return nil
}

func (r *Registry) DeleteGroup(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.chargers {
		if c.GroupID == id {
			return domain.NewError(domain.KindModel, "DeleteGroup", fmt.Errorf("group %q still has chargers", id))
		}
	}
	for _, g := range r.groups {
		if g.ParentID == id {
			return domain.NewError(domain.KindModel, "DeleteGroup", fmt.Errorf("group %q still has child groups", id))
		}
	}

	delete(r.groups, id)
	return nil
}

// SetBalanzState freezes or unfreezes the allocator for the subtree rooted at
// groupID (spec.md §4.4, "Suspension via admin API").
func (r *Registry) SetBalanzState(groupID string, suspend bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.groups[groupID]
	if !ok {
		return domain.NewError(domain.KindModel, "SetBalanzState", fmt.Errorf("unknown group id %q", groupID))
	}
	root.Suspended = suspend

	for id := range descendants(r.groups, groupID) {
		if g, ok := r.groups[id]; ok {
			g.Suspended = suspend
		}
	}
	return nil
}

// --- Chargers ---

func (r *Registry) AddCharger(c *domain.Charger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addChargerLocked(c)
}

func (r *Registry) addChargerLocked(c *domain.Charger) error {
	if _, exists := r.chargers[c.ID]; exists {
		return domain.NewError(domain.KindModel, "AddCharger", fmt.Errorf("duplicate charger id %q", c.ID))
	}
	if _, ok := r.groups[c.GroupID]; !ok {
		return domain.NewError(domain.KindModel, "AddCharger", fmt.Errorf("charger %q references unknown group %q", c.ID, c.GroupID))
	}
	if c.Alias != "" {
		if existingID, ok := r.aliases[c.Alias]; ok && existingID != c.ID {
			return domain.NewError(domain.KindModel, "AddCharger", fmt.Errorf("alias %q already used by charger %q", c.Alias, existingID))
		}
	}
	if c.Connectors == nil {
		c.Connectors = make(map[int]*domain.Connector)
	}

	r.chargers[c.ID] = c
	if c.Alias != "" {
		r.aliases[c.Alias] = c.ID
	}
	return nil
}

func (r *Registry) UpdateCharger(c *domain.Charger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.chargers[c.ID]
	if !ok {
		return domain.NewError(domain.KindModel, "UpdateCharger", fmt.Errorf("unknown charger id %q", c.ID))
	}
	if _, ok := r.groups[c.GroupID]; !ok {
		return domain.NewError(domain.KindModel, "UpdateCharger", fmt.Errorf("charger %q references unknown group %q", c.ID, c.GroupID))
	}

	if existing.Alias != "" && existing.Alias != c.Alias {
		delete(r.aliases, existing.Alias)
	}
	if c.Alias != "" {
		r.aliases[c.Alias] = c.ID
	}
	r.chargers[c.ID] = c
	return nil
}

func (r *Registry) DeleteCharger(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chargers[id]
	if !ok {
		return domain.NewError(domain.KindModel, "DeleteCharger", fmt.Errorf("unknown charger id %q", id))
	}
	for _, conn := range c.Connectors {
		if conn.SessionID != "" {
			if s, ok := r.sessions[conn.SessionID]; ok && s.Live() {
				return domain.NewError(domain.KindModel, "DeleteCharger", fmt.Errorf("charger %q has a live session", id))
			}
		}
	}

	if c.Alias != "" {
		delete(r.aliases, c.Alias)
	}
	delete(r.chargers, id)
	return nil
}

// FindCharger resolves a charger by id first, falling back to alias (spec.md
// §4.2: "id wins if both given").
func (r *Registry) FindCharger(id, alias string) (*domain.Charger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if c, ok := r.chargers[id]; ok {
			return c, true
		}
	}
	if alias != "" {
		if cid, ok := r.aliases[alias]; ok {
			return r.chargers[cid], true
		}
	}
	return nil, false
}

// Autoregister creates a charger with config defaults in the configured
// group, if autoregistration is enabled.
func (r *Registry) Autoregister(chargerID string) (*domain.Charger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.AutoregisterEnabled {
		return nil, domain.NewError(domain.KindModel, "Autoregister", fmt.Errorf("autoregistration disabled"))
	}
	if c, ok := r.chargers[chargerID]; ok {
		return c, nil
	}

	c := &domain.Charger{
		ID:         chargerID,
		GroupID:    r.cfg.AutoregisterGroupID,
		ConnMax:    r.cfg.DefaultConnMax,
		Priority:   r.cfg.DefaultPriority,
		Connectors: make(map[int]*domain.Connector),
	}
	for i := 1; i <= r.cfg.DefaultConnectors; i++ {
		c.Connectors[i] = &domain.Connector{Index: i, Status: domain.StatusUnknown}
	}

	if err := r.addChargerLocked(c); err != nil {
		return nil, err
	}
	r.log.Info("charger autoregistered", zap.String("charger_id", chargerID), zap.String("group_id", c.GroupID))
	return c, nil
}

// --- Tags ---

func (r *Registry) AddTag(t *domain.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tags[t.ID]; exists {
		return domain.NewError(domain.KindModel, "AddTag", fmt.Errorf("duplicate tag id %q", t.ID))
	}
	r.tags[t.ID] = t
	return nil
}

func (r *Registry) UpdateTag(t *domain.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.tags[t.ID]
	if existed && prev.Status == domain.TagActivated && t.Status == domain.TagBlocked {
		if members := r.activeMembersOf(t.ID); len(members) > 0 {
			r.log.Warn("blocking tag with active members",
				zap.String("tag_id", t.ID), zap.Int("active_members", len(members)))
		}
	}
	r.tags[t.ID] = t
	return nil
}

func (r *Registry) activeMembersOf(parentTagID string) []*domain.Tag {
	var out []*domain.Tag
	for _, t := range r.tags {
		if t.ParentIDTag == parentTagID && t.Active() {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) DeleteTag(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, id)
	return nil
}

func (r *Registry) FindTag(id string) (*domain.Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tags[id]
	return t, ok
}

// --- Sessions ---

// ResolvePriority applies the override chain charger -> tag -> session API
// (spec.md §9, "Polymorphism"): it starts from the charger's priority, a tag
// override raises it only when higher, and an explicit override replaces
// it. Config and group defaults are not consulted here.
func (r *Registry) ResolvePriority(charger *domain.Charger, tag *domain.Tag, override *int) int {
	priority := charger.Priority
	if tag != nil && tag.PriorityOverride != nil && *tag.PriorityOverride > priority {
		priority = *tag.PriorityOverride
	}
	if override != nil {
		priority = *override
	}
	return priority
}

// StartSession opens a new session on a connector, validating the id-tag
// against the tag store unless unknown tags are permitted by policy.
func (r *Registry) StartSession(chargerID string, connectorIdx int, idTag string, now time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chargers[chargerID]
	if !ok {
		return nil, domain.NewError(domain.KindModel, "StartSession", fmt.Errorf("unknown charger %q", chargerID))
	}
	conn, ok := c.Connectors[connectorIdx]
	if !ok {
		return nil, domain.NewError(domain.KindModel, "StartSession", fmt.Errorf("unknown connector %d on charger %q", connectorIdx, chargerID))
	}
	if conn.SessionID != "" {
		if existing, ok := r.sessions[conn.SessionID]; ok && existing.Live() {
			return nil, domain.NewError(domain.KindModel, "StartSession", fmt.Errorf("connector %d on charger %q already has a live session", connectorIdx, chargerID))
		}
	}

	tag, tagKnown := r.tags[idTag]
	if !tagKnown && !r.cfg.UnknownTagsAllowed {
		return nil, domain.NewError(domain.KindModel, "StartSession", fmt.Errorf("unknown id tag %q", idTag))
	}

	priority := r.ResolvePriority(c, tag, nil)

	sessionID := fmt.Sprintf("%s-%d-%d", chargerID, connectorIdx, now.UnixNano())
	s := &domain.Session{
		ID:           sessionID,
		ChargerID:    chargerID,
		ConnectorIdx: connectorIdx,
		IDTag:        idTag,
		Priority:     priority,
		StartTime:    now,
		LastActivity: now,
	}
	r.sessions[sessionID] = s
	conn.SessionID = sessionID
	return s, nil
}

// CloseSession closes a live session with the given reason and archives it.
// The caller is responsible for persisting the closed session to CSV/Postgres.
func (r *Registry) CloseSession(sessionID, stopIDTag, reason string, now time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.NewError(domain.KindModel, "CloseSession", fmt.Errorf("unknown session %q", sessionID))
	}
	if !s.Live() {
		return s, nil
	}

	s.StopTime = now
	s.StopReason = reason
	s.StopIDTag = stopIDTag

	if c, ok := r.chargers[s.ChargerID]; ok {
		if conn, ok := c.Connectors[s.ConnectorIdx]; ok && conn.SessionID == sessionID {
			conn.SessionID = ""
			conn.Plateau = 0 // resets only at session end, per spec.md §9
		}
	}
	return s, nil
}

func (r *Registry) Session(id string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SetSessionPriority applies a live priority override (spec.md §6 admin
// command "live priority override"), taking effect on the session's next
// allocator tick.
func (r *Registry) SetSessionPriority(sessionID string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.NewError(domain.KindModel, "SetSessionPriority", fmt.Errorf("unknown session %q", sessionID))
	}
	s.Priority = priority
	return nil
}

// RecordMeterValues updates a live session's energy and phase-current
// readings.
func (r *Registry) RecordMeterValues(sessionID string, energyWh float64, phases [3]float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.NewError(domain.KindModel, "RecordMeterValues", fmt.Errorf("unknown session %q", sessionID))
	}
	s.EnergyWh = energyWh
	s.PhaseCurrents = phases
	s.LastActivity = now
	return nil
}

// TouchSessionActivity records that a live session just produced a
// meter/status update, resetting its watchdog transaction-timeout clock. A
// no-op if the connector has no live session.
func (r *Registry) TouchSessionActivity(sessionID string, now time.Time) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = now
	}
}

// ApplyOffer writes back the allocator's committed offer for a connector.
// Called by the commit step after the OCPP profile call succeeds.
func (r *Registry) ApplyOffer(chargerID string, connectorIdx, offerA int, now time.Time) error {
	return r.applyOffer(chargerID, connectorIdx, offerA, 0, now)
}

// ApplyOfferWithPlateau behaves like ApplyOffer but additionally persists a
// plateau inferred by the allocator (spec.md §4.4 step 2) for the remainder
// of the session. plateau <= 0 means nothing new was learned this cycle and
// leaves the connector's existing Plateau untouched.
func (r *Registry) ApplyOfferWithPlateau(chargerID string, connectorIdx, offerA, plateau int, now time.Time) error {
	return r.applyOffer(chargerID, connectorIdx, offerA, plateau, now)
}

func (r *Registry) applyOffer(chargerID string, connectorIdx, offerA, plateau int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chargers[chargerID]
	if !ok {
		return domain.NewError(domain.KindModel, "ApplyOffer", fmt.Errorf("unknown charger %q", chargerID))
	}
	conn, ok := c.Connectors[connectorIdx]
	if !ok {
		return domain.NewError(domain.KindModel, "ApplyOffer", fmt.Errorf("unknown connector %d on charger %q", connectorIdx, chargerID))
	}
	conn.OfferA = offerA
	conn.LastOfferChange = now
	if plateau > 0 {
		conn.Plateau = plateau
	}

	if conn.SessionID != "" {
		if s, ok := r.sessions[conn.SessionID]; ok {
			s.RecordOffer(now, offerA)
		}
	}
	return nil
}

// SuspendUnused marks a connector unused-suspended after the allocator's
// reclamation rule (step 7) has been successfully committed: no further
// allocation is attempted before deferUntil, and the owning session (if
// any) is flagged so it is excluded from eligibility.
func (r *Registry) SuspendUnused(chargerID string, connectorIdx int, deferUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chargers[chargerID]
	if !ok {
		return domain.NewError(domain.KindModel, "SuspendUnused", fmt.Errorf("unknown charger %q", chargerID))
	}
	conn, ok := c.Connectors[connectorIdx]
	if !ok {
		return domain.NewError(domain.KindModel, "SuspendUnused", fmt.Errorf("unknown connector %d on charger %q", connectorIdx, chargerID))
	}
	conn.UnusedSuspendedUntil = deferUntil
	if conn.SessionID != "" {
		if s, ok := r.sessions[conn.SessionID]; ok {
			s.UnusedSuspended = true
		}
	}
	return nil
}

// RecordGroupReduction marks the group as having just had a connector's
// offer reduced by the allocator's step 6 (spec.md §4.4), starting the
// group-wide wait_after_reduce growth grace enforced on later ticks.
func (r *Registry) RecordGroupReduction(groupID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return domain.NewError(domain.KindModel, "RecordGroupReduction", fmt.Errorf("unknown group %q", groupID))
	}
	g.LastReductionAt = now
	return nil
}

// MarkStaleChargers drives every connector of chargers silent longer than
// staleAfter to Unknown, so their offers drop out of the next allocator pass
// immediately (spec.md §4.6). Returns the IDs marked stale on this call;
// chargers already Unknown are not re-reported.
func (r *Registry) MarkStaleChargers(now time.Time, staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var marked []string
	for id, c := range r.chargers {
		if c.LastSeen.IsZero() || now.Sub(c.LastSeen) < staleAfter {
			continue
		}
		touched := false
		for _, conn := range c.Connectors {
			if conn.Status != domain.StatusUnknown {
				conn.Status = domain.StatusUnknown
				touched = true
			}
		}
		if touched {
			marked = append(marked, id)
		}
	}
	return marked
}

// StaleSessions returns every live session whose last meter/status activity
// is older than timeout, for the watchdog to force-close with reason
// "stale" (spec.md §4.6, §8 scenario 6).
func (r *Registry) StaleSessions(now time.Time, timeout time.Duration) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*domain.Session
	for _, s := range r.sessions {
		if !s.Live() {
			continue
		}
		last := s.LastActivity
		if last.IsZero() {
			last = s.StartTime
		}
		if now.Sub(last) >= timeout {
			stale = append(stale, s)
		}
	}
	return stale
}

// Snapshot returns a copy-on-read view for the allocator. The top-level maps
// are fresh; entity values are shared pointers, which is safe because the
// only writer is the Registry itself and the allocator never mutates them
// directly (it writes back only through ApplyOffer et al.).
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[string]*domain.Group, len(r.groups))
	for k, v := range r.groups {
		groups[k] = v
	}
	chargers := make(map[string]*domain.Charger, len(r.chargers))
	for k, v := range r.chargers {
		chargers[k] = v
	}
	sessions := make(map[string]*domain.Session, len(r.sessions))
	for k, v := range r.sessions {
		sessions[k] = v
	}
	tags := make(map[string]*domain.Tag, len(r.tags))
	for k, v := range r.tags {
		tags[k] = v
	}

	return &Snapshot{Groups: groups, Chargers: chargers, Sessions: sessions, Tags: tags}
}

func (r *Registry) cloneGroups() map[string]*domain.Group {
	out := make(map[string]*domain.Group, len(r.groups))
	for k, v := range r.groups {
		out[k] = v
	}
	return out
}

// ReloadGroups atomically swaps the group set, per spec.md §9 ("Dynamic CSV
// re-load"). Chargers referencing groups no longer present are left
// pointing at a dangling id; callers should run ReloadChargers in the same
// operation when group membership changed.
func (r *Registry) ReloadGroups(groups map[string]*domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validateTree(groups); err != nil {
		return domain.NewError(domain.KindModel, "ReloadGroups", err)
	}
	r.groups = groups
	return nil
}

// ReloadChargers atomically swaps the charger set. Live sessions whose
// charger or connector no longer exists post-reload are force-closed with
// reason "config_reload".
func (r *Registry) ReloadChargers(chargers map[string]*domain.Charger, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []string
	for sid, s := range r.sessions {
		if !s.Live() {
			continue
		}
		c, ok := chargers[s.ChargerID]
		if !ok {
			orphaned = append(orphaned, sid)
			continue
		}
		if _, ok := c.Connectors[s.ConnectorIdx]; !ok {
			orphaned = append(orphaned, sid)
		}
	}
	for _, sid := range orphaned {
		s := r.sessions[sid]
		s.StopTime = now
		s.StopReason = "config_reload"
	}

	aliases := make(map[string]string, len(chargers))
	for id, c := range chargers {
		if c.Alias != "" {
			aliases[c.Alias] = id
		}
	}

	r.chargers = chargers
	r.aliases = aliases
	return orphaned
}

// ReloadTags atomically swaps the tag set.
func (r *Registry) ReloadTags(tags map[string]*domain.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = tags
}
