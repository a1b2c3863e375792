// Package awareness tracks ephemeral per-participant presence: who is in
// the room, their display name and color, and where their cursor sits.
// Nothing here is persisted; records live exactly as long as their owner
// keeps heartbeating.
package awareness

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// palette is the fixed cursor color set. Colors are a pure function of the
// participant id so the same participant renders identically across
// reconnects and across every peer, with no collision bookkeeping.
var palette = []string{
	"#3B82F6", "#EF4444", "#10B981", "#F59E0B",
	"#8B5CF6", "#EC4899", "#06B6D4", "#84CC16",
}

// ColorFor returns the palette color for a participant id.
func ColorFor(participantID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Record is one participant's presence state. It is overwritten wholesale
// on every update from its owner.
type Record struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Cursor int    `json:"cursor"`
	Guest  bool   `json:"guest,omitempty"`

	lastSeen time.Time
}

// MarshalDelta encodes the record as the JSON payload carried inside
// awareness frames.
func (r Record) MarshalDelta() ([]byte, error) { return json.Marshal(r) }

// Tracker holds the live records of one room. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	timeout time.Duration
}

// NewTracker creates a tracker whose liveness timeout is
// heartbeat*multiplier: a record not refreshed within that window is
// removed by Sweep.
func NewTracker(heartbeat time.Duration, multiplier int) *Tracker {
	if multiplier <= 0 {
		multiplier = 3
	}
	return &Tracker{
		records: map[string]*Record{},
		timeout: heartbeat * time.Duration(multiplier),
	}
}

// SetLocal replaces the caller's own record and returns the JSON delta to
// broadcast to peers. Color is always derived, never trusted from input.
func (t *Tracker) SetLocal(rec Record) ([]byte, error) {
	rec.Color = ColorFor(rec.ID)
	rec.lastSeen = time.Now()
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.records[rec.ID] = &rec
	t.mu.Unlock()
	return b, nil
}

// ApplyRemote merges a peer's encoded record. Empty data removes the
// record. Returns the stored record, or removed=true.
func (t *Tracker) ApplyRemote(participantID string, data []byte) (*Record, bool, error) {
	if len(data) == 0 {
		t.Remove(participantID)
		return nil, true, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("awareness: bad record for %s: %w", participantID, err)
	}
	// the record's identity is the channel it arrived on, not whatever the
	// payload claims
	rec.ID = participantID
	rec.Color = ColorFor(participantID)
	rec.lastSeen = time.Now()
	t.mu.Lock()
	t.records[participantID] = &rec
	t.mu.Unlock()
	return &rec, false, nil
}

// Touch refreshes the liveness of a participant on heartbeat.
func (t *Tracker) Touch(participantID string) {
	t.mu.Lock()
	if r, ok := t.records[participantID]; ok {
		r.lastSeen = time.Now()
	}
	t.mu.Unlock()
}

// Remove drops a participant's record, if present.
func (t *Tracker) Remove(participantID string) {
	t.mu.Lock()
	delete(t.records, participantID)
	t.mu.Unlock()
}

// Sweep removes records whose last refresh is older than the liveness
// timeout and returns the removed participant ids.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, r := range t.records {
		if now.Sub(r.lastSeen) > t.timeout {
			delete(t.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Records returns a snapshot of all live records.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
