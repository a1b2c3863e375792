// Package room holds the live collaborative state: one Session per open
// document, and the process-wide Registry that owns their lifecycle.
package room

import (
	"sync"
	"time"

	"notesync/pkg/awareness"
	"notesync/pkg/crdt"
	"notesync/pkg/logger"
	"notesync/pkg/metrics"
	"notesync/pkg/wire"
)

// seedSite is the site id stamped on operations generated while rehydrating
// a document from a persisted snapshot. Clients never use it.
const seedSite = "origin"

// Conn is the handle a session uses to reach one participant. Send must not
// block indefinitely; a failed send is the sender's problem (its pump tears
// the connection down), never the session's.
type Conn interface {
	ParticipantID() string
	Send(frame []byte) error
}

// State is the session lifecycle.
type State int32

const (
	StateEmpty State = iota
	StateActive
	StateDraining
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Event is what subscribers observe.
type Event int

const (
	EventDocChanged Event = iota
	EventAwarenessChanged
)

// Session is the shared in-memory state of one document: the replicated
// document, the presence tracker, and the connected participants. All
// mutation funnels through its methods; the internal mutex is the only
// synchronization boundary. Rooms never block each other.
type Session struct {
	ID string

	mu         sync.Mutex
	doc        *crdt.Doc
	presence   *awareness.Tracker
	conns      map[string]Conn
	state      State
	dirty      int    // merged ops since the last snapshot
	lastWriter string // participant whose update merged most recently

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func newSession(id, content string, heartbeat time.Duration, livenessMult int) *Session {
	doc := crdt.New(seedSite)
	if content != "" {
		// rebuilding from a rendered snapshot: the seed text becomes ordinary
		// operations so late diffs against it stay consistent
		if _, err := doc.InsertAt(0, content); err != nil {
			logger.Error("session_seed_failed", "room", id, "error", err)
		}
	}
	return &Session{
		ID:       id,
		doc:      doc,
		presence: awareness.NewTracker(heartbeat, livenessMult),
		conns:    map[string]Conn{},
		subs:     map[int]func(Event){},
	}
}

// Join registers a participant connection and returns the initial
// full-state frame (complete document diff plus all live awareness
// records). A join during the drain grace period reactivates the session.
func (s *Session) Join(c Conn) []byte {
	s.mu.Lock()
	s.conns[c.ParticipantID()] = c
	s.state = StateActive
	frame := s.stateResponseLocked(nil)
	s.mu.Unlock()
	logger.Info("participant_joined", "room", s.ID, "participant", c.ParticipantID())
	return frame
}

// StateResponse builds a full-state frame containing the minimal diff
// against the given remote state vector.
func (s *Session) StateResponse(sv crdt.StateVector) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateResponseLocked(sv)
}

func (s *Session) stateResponseLocked(sv crdt.StateVector) []byte {
	payload := wire.StatePayload{Update: wire.EncodeUpdate(s.doc.DiffSince(sv))}
	for _, rec := range s.presence.Records() {
		if data, err := rec.MarshalDelta(); err == nil {
			payload.Awareness = append(payload.Awareness, wire.AwarenessEntry{ID: rec.ID, Data: data})
		}
	}
	return wire.Frame(wire.FrameStateResponse, wire.EncodeStatePayload(payload))
}

// Leave removes a participant's connection. Its awareness record is
// dropped and the removal broadcast; when the last participant leaves the
// session starts draining (the registry schedules eviction after the
// grace period). A connection that was already replaced by a newer one
// for the same participant (rapid reconnect, stale teardown racing the
// fresh join) is ignored: only the registered handle may remove itself.
func (s *Session) Leave(c Conn) (empty bool) {
	participantID := c.ParticipantID()
	s.mu.Lock()
	if cur, ok := s.conns[participantID]; !ok || cur != c {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, participantID)
	s.presence.Remove(participantID)
	if len(s.conns) == 0 && s.state == StateActive {
		s.state = StateDraining
	}
	empty = len(s.conns) == 0
	s.mu.Unlock()

	removal := wire.Frame(wire.FrameAwareness, wire.EncodeAwareness(wire.AwarenessEntry{ID: participantID}))
	s.broadcast(removal, participantID)
	s.notify(EventAwarenessChanged)
	logger.Info("participant_left", "room", s.ID, "participant", participantID)
	return empty
}

// ApplyUpdate decodes and merges a document delta, then relays the frame to
// every other participant. The session document sees each operation exactly
// once; peers may see duplicates, which merge idempotently on their side.
func (s *Session) ApplyUpdate(payload []byte, from string) error {
	u, err := wire.DecodeUpdate(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	fresh := 0
	for _, op := range u.Ops {
		if !s.doc.HasOp(op) {
			fresh++
		}
	}
	if err := s.doc.ApplyRemote(u); err != nil {
		s.mu.Unlock()
		return err
	}
	if fresh > 0 {
		s.dirty += fresh
		s.lastWriter = from
	}
	s.mu.Unlock()

	if fresh == 0 {
		return nil // duplicate delivery; nothing to relay
	}
	metrics.UpdatesMerged.Add(float64(fresh))
	s.broadcast(wire.Frame(wire.FrameUpdate, payload), from)
	s.notify(EventDocChanged)
	return nil
}

// ApplyAwareness merges a presence delta from a participant and relays it.
// The entry identity is forced to the sending connection.
func (s *Session) ApplyAwareness(from string, data []byte) error {
	rec, removed, err := s.presence.ApplyRemote(from, data)
	if err != nil {
		return err
	}
	entry := wire.AwarenessEntry{ID: from}
	if !removed {
		if entry.Data, err = rec.MarshalDelta(); err != nil {
			return err
		}
	}
	s.broadcast(wire.Frame(wire.FrameAwareness, wire.EncodeAwareness(entry)), from)
	s.notify(EventAwarenessChanged)
	return nil
}

// Heartbeat refreshes a participant's liveness.
func (s *Session) Heartbeat(participantID string) {
	s.presence.Touch(participantID)
}

// SweepPresence removes participants whose awareness went stale and
// broadcasts the removals. Returns the removed ids.
func (s *Session) SweepPresence(now time.Time) []string {
	removed := s.presence.Sweep(now)
	for _, id := range removed {
		s.broadcast(wire.Frame(wire.FrameAwareness, wire.EncodeAwareness(wire.AwarenessEntry{ID: id})), "")
		logger.Info("presence_swept", "room", s.ID, "participant", id)
	}
	if len(removed) > 0 {
		s.notify(EventAwarenessChanged)
	}
	return removed
}

// broadcast delivers a frame to every connected participant except the one
// named. Best effort: one slow or dead peer never blocks the rest.
func (s *Session) broadcast(frame []byte, exclude string) {
	s.mu.Lock()
	targets := make([]Conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			logger.Warn("broadcast_send_failed", "room", s.ID, "participant", c.ParticipantID(), "error", err)
		}
	}
}

// Subscribe registers a callback invoked after document or awareness
// changes, outside the session lock. Returns a token for Unsubscribe.
func (s *Session) Subscribe(fn func(Event)) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	s.subs[s.nextSub] = fn
	return s.nextSub
}

// Unsubscribe removes a subscription.
func (s *Session) Unsubscribe(token int) {
	s.subMu.Lock()
	delete(s.subs, token)
	s.subMu.Unlock()
}

func (s *Session) notify(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Text renders the current document.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// StateVector returns the document's applied-operation summary.
func (s *Session) StateVector() crdt.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector()
}

// Participants returns the number of open connections.
func (s *Session) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DirtyOps returns how many operations merged since the last snapshot.
func (s *Session) DirtyOps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// CaptureSnapshot atomically renders the document and resets the dirty
// counter. ok is false when nothing changed since the last capture.
func (s *Session) CaptureSnapshot() (content, contributor string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty == 0 {
		return "", "", false
	}
	s.dirty = 0
	return s.doc.Text(), s.lastWriter, true
}

func (s *Session) setEvicted() {
	s.mu.Lock()
	s.state = StateEvicted
	s.mu.Unlock()
}
