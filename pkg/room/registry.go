package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"notesync/pkg/logger"
	"notesync/pkg/metrics"
	"notesync/pkg/models"
)

// ErrRoomNotFound means the persistence layer cannot resolve the document
// a client asked to join; the connection is refused terminally.
var ErrRoomNotFound = errors.New("room: not found")

// Persistence is what the registry consumes from external storage: note
// resolution (does this room correspond to a real document) and cold-start
// seeding from the latest snapshot.
type Persistence interface {
	ResolveNote(noteID string) (models.Note, error)
	LoadLatestSnapshot(noteID string) (content string, found bool, err error)
}

// Options are the registry tunables, all taken from config.
type Options struct {
	Grace        time.Duration // how long an empty room lingers before eviction
	Heartbeat    time.Duration
	LivenessMult int
}

// Registry is the process-wide map from room id to live session. It is
// created once at startup and handed to every connection handler; rooms are
// created on first join and evicted after draining empty past the grace
// period. Per-room work never blocks other rooms.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*registryEntry
	db    Persistence
	opts  Options

	// hooks wired by the application: onCreate attaches observers (the
	// snapshotter), onEvict gives them a final look before the session dies.
	onCreate func(*Session)
	onEvict  func(*Session)
}

type registryEntry struct {
	once  sync.Once
	s     *Session
	err   error
	evict *time.Timer
}

// NewRegistry creates an empty registry.
func NewRegistry(db Persistence, opts Options) *Registry {
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	return &Registry{rooms: map[string]*registryEntry{}, db: db, opts: opts}
}

// SetHooks installs lifecycle observers. Must be called before serving.
func (r *Registry) SetHooks(onCreate, onEvict func(*Session)) {
	r.onCreate = onCreate
	r.onEvict = onEvict
}

// GetOrCreate resolves the session for a room, creating and seeding it on
// first join. A pending eviction is canceled, absorbing quick reconnects
// into the still-live session. Returns ErrRoomNotFound when storage cannot
// resolve the note.
func (r *Registry) GetOrCreate(roomID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	if !ok {
		e = &registryEntry{}
		r.rooms[roomID] = e
	}
	if e.evict != nil {
		e.evict.Stop()
		e.evict = nil
	}
	r.mu.Unlock()

	// seeding does storage IO; it runs outside the registry lock so slow
	// cold starts in one room never stall joins elsewhere
	e.once.Do(func() { e.s, e.err = r.createSession(roomID) })
	if e.err != nil {
		r.mu.Lock()
		delete(r.rooms, roomID)
		r.mu.Unlock()
		return nil, e.err
	}
	return e.s, nil
}

func (r *Registry) createSession(roomID string) (*Session, error) {
	note, err := r.db.ResolveNote(roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	content, found, err := r.db.LoadLatestSnapshot(note.ID)
	if err != nil {
		return nil, fmt.Errorf("room %s: loading snapshot: %w", roomID, err)
	}
	if !found {
		content = ""
	}
	s := newSession(roomID, content, r.opts.Heartbeat, r.opts.LivenessMult)
	if r.onCreate != nil {
		r.onCreate(s)
	}
	metrics.ActiveRooms.Inc()
	logger.Info("room_created", "room", roomID, "seeded", found, "seed_len", len(content))
	return s, nil
}

// Leave removes a participant's connection from a room; when the room
// drains empty an eviction is scheduled after the grace period. The
// session ignores connections already superseded by a reconnect.
func (r *Registry) Leave(roomID string, c Conn) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok || e.s == nil {
		return
	}
	if empty := e.s.Leave(c); empty {
		r.scheduleEvict(roomID, e)
		logger.Info("room_draining", "room", roomID, "grace", r.opts.Grace.String())
	}
}

// Release schedules eviction for a room that never gained a participant,
// e.g. when the connection failed between room resolution and join.
// A no-op for rooms with live connections.
func (r *Registry) Release(roomID string) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok || e.s == nil || e.s.Participants() > 0 {
		return
	}
	r.scheduleEvict(roomID, e)
}

func (r *Registry) scheduleEvict(roomID string, e *registryEntry) {
	r.mu.Lock()
	if e.evict != nil {
		e.evict.Stop()
	}
	e.evict = time.AfterFunc(r.opts.Grace, func() { r.EvictIfEmpty(roomID) })
	r.mu.Unlock()
}

// EvictIfEmpty drops a room that is still empty. Safe to call at any time;
// a room that re-activated is left alone.
func (r *Registry) EvictIfEmpty(roomID string) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	if !ok || e.s == nil || e.s.Participants() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	e.s.setEvicted()
	metrics.ActiveRooms.Dec()
	if r.onEvict != nil {
		r.onEvict(e.s)
	}
	logger.Info("room_evicted", "room", roomID)
}

// Sessions returns the live sessions (rooms still initializing are
// skipped).
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.s != nil {
			out = append(out, e.s)
		}
	}
	return out
}

// Get returns the live session for a room, or nil.
func (r *Registry) Get(roomID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		return e.s
	}
	return nil
}

// SweepPresence runs the liveness sweep across every room.
func (r *Registry) SweepPresence(now time.Time) {
	for _, s := range r.Sessions() {
		s.SweepPresence(now)
	}
}
