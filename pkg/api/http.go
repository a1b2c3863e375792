package api

import (
	"errors"
	"net/http"
	"strconv"

	"notesync/pkg/logger"
	"notesync/pkg/models"
	"notesync/pkg/room"
	"notesync/pkg/snapshot"
	"notesync/pkg/store"
	"notesync/pkg/utils"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Handler serves the note metadata and version-history REST surface.
type Handler struct {
	registry   *room.Registry
	snapshots  *snapshot.Snapshotter
	openapiPath string
}

func NewHandler(reg *room.Registry, snaps *snapshot.Snapshotter, openapiPath string) *Handler {
	return &Handler{registry: reg, snapshots: snaps, openapiPath: openapiPath}
}

// Register mounts all REST routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/notes/{id}", h.getNote).Methods(http.MethodGet)
	r.HandleFunc("/v1/notes/{id}/versions", h.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/v1/notes/{id}/versions/{n}", h.getVersion).Methods(http.MethodGet)
	r.HandleFunc("/v1/notes/{id}/snapshot", h.forceSnapshot).Methods(http.MethodPost)
	if h.openapiPath != "" {
		r.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, h.openapiPath)
		}).Methods(http.MethodGet)
		r.PathPrefix("/docs/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/openapi.yaml"),
		))
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	if !store.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getNote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	note, err := store.GetNote(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "note not found")
			return
		}
		logger.Error("get_note_failed", "note", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, note)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if _, err := store.GetNote(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "note not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	versions, err := store.ListVersions(id, limit)
	if err != nil {
		logger.Error("list_versions_failed", "note", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if versions == nil {
		versions = []models.VersionSnapshot{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, versions)
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	n, err := strconv.ParseUint(vars["n"], 10, 64)
	if err != nil || n == 0 {
		utils.JSONError(w, http.StatusBadRequest, "invalid version number")
		return
	}
	snap, err := store.GetVersion(id, n)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "version not found")
			return
		}
		logger.Error("get_version_failed", "note", id, "version", n, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, snap)
}

// forceSnapshot persists a version immediately from the live session. A
// note with no live room has nothing unsaved, so that case reports
// persisted=false rather than failing.
func (h *Handler) forceSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := store.GetNote(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "note not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sess := h.registry.Get(id)
	if sess == nil {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"persisted": false})
		return
	}
	h.snapshots.Final(sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"persisted": true})
}
