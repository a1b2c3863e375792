package auth

import (
	"errors"
	"net/http"
	"strings"

	"notesync/pkg/config"
	"notesync/pkg/models"

	"github.com/google/uuid"
)

// ErrUnauthorized means the request carried neither valid session headers
// nor a share token matching the note.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the resolved caller of a collaborative request.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Guest         bool
	CanWrite      bool
}

// Resolver turns incoming requests into identities. Authenticated users
// arrive with session headers stamped by the fronting proxy; guests arrive
// with a share token in the query string.
type Resolver struct {
	headers config.SessionHeaders
}

func NewResolver(h config.SessionHeaders) *Resolver {
	return &Resolver{headers: h}
}

// Resolve identifies the caller for a note. Header identity wins when
// present; otherwise a matching share token mints a fresh guest identity
// whose write permission follows the note's guest-edit setting.
func (r *Resolver) Resolve(req *http.Request, note models.Note) (Identity, error) {
	if uid := strings.TrimSpace(req.Header.Get(r.headers.UserID)); uid != "" {
		name := strings.TrimSpace(req.Header.Get(r.headers.UserName))
		if name == "" {
			name = uid
		}
		canWrite := true
		if v := req.Header.Get(r.headers.CanWrite); v != "" {
			canWrite = parseBool(v)
		}
		// the owner always writes, whatever the proxy stamped
		if uid == note.OwnerID {
			canWrite = true
		}
		return Identity{ParticipantID: uid, DisplayName: name, CanWrite: canWrite}, nil
	}

	token := req.URL.Query().Get("share")
	if token != "" && note.ShareToken != "" && token == note.ShareToken {
		id := "guest-" + uuid.NewString()
		return Identity{
			ParticipantID: id,
			DisplayName:   "Guest",
			Guest:         true,
			CanWrite:      note.AllowGuestEdit,
		}, nil
	}
	return Identity{}, ErrUnauthorized
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
