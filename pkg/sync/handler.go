package sync

import (
	"errors"
	"net/http"
	"time"

	"notesync/pkg/auth"
	"notesync/pkg/crdt"
	"notesync/pkg/logger"
	"notesync/pkg/metrics"
	"notesync/pkg/models"
	"notesync/pkg/room"
	"notesync/pkg/utils"
	"notesync/pkg/wire"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// NoteSource resolves note metadata before the websocket upgrade so
// authorization failures surface as plain HTTP statuses.
type NoteSource interface {
	ResolveNote(noteID string) (models.Note, error)
}

// Handler upgrades /ws/{room} requests and runs the sync protocol for
// each connection.
type Handler struct {
	registry *room.Registry
	resolver *auth.Resolver
	notes    NoteSource
	upgrader websocket.Upgrader

	maxFrameBytes  int64
	malformedBurst int
}

func NewHandler(reg *room.Registry, resolver *auth.Resolver, notes NoteSource, maxFrameBytes int64, malformedBurst int) *Handler {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 1 << 20
	}
	if malformedBurst <= 0 {
		malformedBurst = 10
	}
	return &Handler{
		registry: reg,
		resolver: resolver,
		notes:    notes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxFrameBytes:  maxFrameBytes,
		malformedBurst: malformedBurst,
	}
}

// Register mounts the sync endpoint on a router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/ws/{room}", h.serve).Methods(http.MethodGet)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]

	note, err := h.notes.ResolveNote(roomID)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "room not found")
		return
	}
	ident, err := h.resolver.Resolve(r, note)
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, err := h.registry.GetOrCreate(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			utils.JSONError(w, http.StatusNotFound, "room not found")
			return
		}
		logger.Error("room_open_failed", "room", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "room", roomID, "error", err)
		// the room was resolved but never joined; without this it would
		// outlive the failed handshake forever
		h.registry.Release(roomID)
		return
	}
	ws.SetReadLimit(h.maxFrameBytes)

	c := &client{
		ws:    ws,
		ident: ident,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		// one malformed frame per second sustained, burst per config
		malformed: rate.NewLimiter(rate.Every(time.Second), h.malformedBurst),
	}

	initial := sess.Join(c)
	metrics.ConnectedParticipants.Inc()
	logger.Info("ws_connected", "room", roomID, "participant", ident.ParticipantID, "guest", ident.Guest, "can_write", ident.CanWrite)

	go c.writePump()
	c.enqueue(initial)
	h.readPump(c, sess)

	h.registry.Leave(roomID, c)
	metrics.ConnectedParticipants.Dec()
	close(c.done)
	ws.Close()
	logger.Info("ws_closed", "room", roomID, "participant", ident.ParticipantID)
}

func (h *Handler) readPump(c *client, sess *room.Session) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws_read_error", "participant", c.ident.ParticipantID, "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		tag, payload, err := wire.SplitFrame(data)
		if err != nil {
			if h.penalize(c) {
				return
			}
			continue
		}
		switch tag {
		case wire.FrameStateRequest:
			sv, err := wire.DecodeStateVector(payload)
			if err != nil {
				if h.penalize(c) {
					return
				}
				continue
			}
			c.enqueue(sess.StateResponse(sv))

		case wire.FrameUpdate:
			if !c.ident.CanWrite {
				metrics.UpdatesRejected.Inc()
				c.enqueue(wire.Frame(wire.FrameRejected, nil))
				continue
			}
			if err := sess.ApplyUpdate(payload, c.ident.ParticipantID); err != nil {
				switch {
				case errors.Is(err, wire.ErrMalformedUpdate):
					if h.penalize(c) {
						return
					}
				case errors.Is(err, crdt.ErrConflictUnresolvable):
					metrics.ConflictsDropped.Inc()
					logger.Warn("update_unresolvable", "participant", c.ident.ParticipantID, "error", err)
				default:
					logger.Warn("update_failed", "participant", c.ident.ParticipantID, "error", err)
				}
			}

		case wire.FrameAwareness:
			if err := sess.ApplyAwareness(c.ident.ParticipantID, payload); err != nil {
				if h.penalize(c) {
					return
				}
			}

		case wire.FrameHeartbeat:
			sess.Heartbeat(c.ident.ParticipantID)

		default:
			// unknown tags are ignored so older servers tolerate newer clients
		}
	}
}

// penalize charges one malformed frame against the connection's limiter
// and reports whether the connection should be dropped.
func (h *Handler) penalize(c *client) bool {
	metrics.MalformedFrames.Inc()
	if c.malformed.Allow() {
		return false
	}
	logger.Warn("malformed_frame_limit", "participant", c.ident.ParticipantID)
	return true
}

// client is one websocket participant. Writes are funneled through the
// send channel so the session broadcast path never blocks on a slow peer.
type client struct {
	ws        *websocket.Conn
	ident     auth.Identity
	send      chan []byte
	done      chan struct{}
	malformed *rate.Limiter
}

func (c *client) ParticipantID() string { return c.ident.ParticipantID }

// Send satisfies the session's connection interface; a full buffer drops
// the frame rather than stalling the room.
func (c *client) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errors.New("send buffer full")
	}
}

func (c *client) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	_ = c.Send(frame)
}

func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
