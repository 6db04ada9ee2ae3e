// Package registry holds the in-memory set of live conversation summaries for
// one application, plus the staleness reaper that evicts entries whose
// activity has gone quiet.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Presence is the remote consumer's foreground state.
type Presence string

const (
	PresenceActive Presence = "active"
	PresenceAway   Presence = "away"
)

// ControlMode says which party currently answers on behalf of the application.
type ControlMode string

const (
	ControlAI    ControlMode = "ai"
	ControlHuman ControlMode = "human"
)

// Summary is the live, ephemeral projection of one conversation.
type Summary struct {
	SessionID        string
	ApplicationID    string
	ConsumerIdentity string
	MessagePreview   string
	LastActivityAt   time.Time
	Presence         Presence
	Control          ControlMode
}

// Patch is a shallow field merge applied by Upsert. Nil fields are left
// untouched, so events that carry only a subset of fields never clobber
// previously learned state.
type Patch struct {
	ConsumerIdentity *string
	MessagePreview   *string
	Presence         *Presence
	Control          *ControlMode
	LastActivityAt   *time.Time
}

type entry struct {
	summary Summary
	seq     uint64
}

// Registry is the owned, single-writer set of live session summaries.
// Exactly one entry exists per session ID; Upsert merges, never duplicates.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]time.Time
	graceTimer map[string]*time.Timer
	nextSeq    uint64

	// now is replaceable for tests; nil means time.Now.
	now func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		graceTimer: make(map[string]*time.Timer),
	}
}

func (r *Registry) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Upsert merges the patch into the entry for sessionID, creating it if absent.
// It reports whether a new entry was created. Sessions removed by a terminal
// event are tombstoned and cannot be resurrected by late activity.
func (r *Registry) Upsert(sessionID, applicationID string, p Patch) (created bool) {
	if r == nil || sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.tombstones[sessionID]; dead {
		return false
	}

	e, ok := r.entries[sessionID]
	if !ok {
		r.nextSeq++
		e = &entry{
			summary: Summary{
				SessionID:      sessionID,
				ApplicationID:  applicationID,
				LastActivityAt: r.clock(),
				Presence:       PresenceActive,
				Control:        ControlAI,
			},
			seq: r.nextSeq,
		}
		r.entries[sessionID] = e
		created = true
	}
	if applicationID != "" {
		e.summary.ApplicationID = applicationID
	}
	mergeLocked(e, p, created)
	return created
}

func mergeLocked(e *entry, p Patch, created bool) {
	if p.ConsumerIdentity != nil {
		e.summary.ConsumerIdentity = *p.ConsumerIdentity
	}
	if p.MessagePreview != nil {
		e.summary.MessagePreview = *p.MessagePreview
	}
	if p.Presence != nil {
		e.summary.Presence = *p.Presence
	}
	if p.Control != nil {
		e.summary.Control = *p.Control
	}
	// Monotonic for existing entries; a freshly created entry takes the
	// patched timestamp as-is so bootstrap can seed historical activity.
	if p.LastActivityAt != nil && (created || p.LastActivityAt.After(e.summary.LastActivityAt)) {
		e.summary.LastActivityAt = *p.LastActivityAt
	}
}

// Update merges the patch into an existing entry and reports whether one was
// present. Unlike Upsert it never creates: events that only annotate a
// session (control-mode changes) must not invent registry entries.
func (r *Registry) Update(sessionID string, p Patch) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false
	}
	mergeLocked(e, p, false)
	return true
}

// Touch advances the entry's last-activity timestamp to now, never backwards.
func (r *Registry) Touch(sessionID string) {
	if r == nil {
		return
	}
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && now.After(e.summary.LastActivityAt) {
		e.summary.LastActivityAt = now
	}
}

// Remove deletes the entry for sessionID after a terminal event and tombstones
// the ID so a late out-of-order activity event cannot resurrect it. Removing
// an absent entry still tombstones: an end event may beat the start event.
func (r *Registry) Remove(sessionID string) (removed bool) {
	if r == nil || sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) bool {
	if t, ok := r.graceTimer[sessionID]; ok {
		t.Stop()
		delete(r.graceTimer, sessionID)
	}
	r.tombstones[sessionID] = r.clock()
	_, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	return ok
}

// RemoveAfter schedules a terminal removal after the grace delay, absorbing
// the common case where a final activity event trails the end notification.
// A second call for the same session resets the delay.
func (r *Registry) RemoveAfter(sessionID string, grace time.Duration, onRemoved func(sessionID string)) {
	if r == nil || sessionID == "" {
		return
	}
	if grace <= 0 {
		if r.Remove(sessionID) && onRemoved != nil {
			onRemoved(sessionID)
		}
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.graceTimer[sessionID]; ok {
		t.Stop()
	}
	r.graceTimer[sessionID] = time.AfterFunc(grace, func() {
		r.mu.Lock()
		delete(r.graceTimer, sessionID)
		removed := r.removeLocked(sessionID)
		r.mu.Unlock()
		if removed && onRemoved != nil {
			onRemoved(sessionID)
		}
	})
}

// Get returns a copy of the entry for sessionID.
func (r *Registry) Get(sessionID string) (Summary, bool) {
	if r == nil {
		return Summary{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Summary{}, false
	}
	return e.summary, true
}

// List returns a snapshot of all entries in reverse-insertion order, most
// recently created first.
func (r *Registry) List() []Summary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary)
	}
	return out
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ExpireBefore removes every entry whose last activity predates cutoff and
// returns the removed session IDs. Reaper expiry does not tombstone: a
// session that quietly resumes activity may legitimately reappear.
func (r *Registry) ExpireBefore(cutoff time.Time) []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, e := range r.entries {
		if e.summary.LastActivityAt.Before(cutoff) {
			expired = append(expired, id)
			delete(r.entries, id)
		}
	}
	return expired
}

// PurgeTombstones drops tombstones recorded before cutoff so the set stays
// bounded. Called from the reaper on its cadence.
func (r *Registry) PurgeTombstones(cutoff time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.tombstones {
		if at.Before(cutoff) {
			delete(r.tombstones, id)
		}
	}
}

// Clear drops all entries, tombstones, and pending grace removals.
func (r *Registry) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.graceTimer {
		t.Stop()
		delete(r.graceTimer, id)
	}
	r.entries = make(map[string]*entry)
	r.tombstones = make(map[string]time.Time)
}
