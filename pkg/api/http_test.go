package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"notesync/pkg/crdt"
	"notesync/pkg/logger"
	"notesync/pkg/models"
	"notesync/pkg/room"
	"notesync/pkg/snapshot"
	"notesync/pkg/store"
	"notesync/pkg/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	db := store.Adapter{}
	reg := room.NewRegistry(db, room.Options{Grace: time.Minute, Heartbeat: time.Second, LivenessMult: 3})
	snaps := snapshot.New(db, reg, time.Hour, 1000)
	reg.SetHooks(snaps.Watch, snaps.Final)

	r := mux.NewRouter()
	NewHandler(reg, snaps, "").Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func seedNote(t *testing.T) {
	t.Helper()
	if err := store.SaveNote(models.Note{ID: "n1", OwnerID: "alice", Title: "Notes"}); err != nil {
		t.Fatalf("save note: %v", err)
	}
}

func getJSON(t *testing.T, url string, want int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("get %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	getJSON(t, srv.URL+"/healthz", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestGetNote(t *testing.T) {
	srv, _ := newTestServer(t)
	seedNote(t)

	var note models.Note
	getJSON(t, srv.URL+"/v1/notes/n1", http.StatusOK, &note)
	if note.Title != "Notes" || note.OwnerID != "alice" {
		t.Fatalf("unexpected note: %+v", note)
	}

	getJSON(t, srv.URL+"/v1/notes/missing", http.StatusNotFound, nil)
}

func TestVersionListing(t *testing.T) {
	srv, _ := newTestServer(t)
	seedNote(t)
	for _, c := range []string{"one", "two", "three"} {
		if _, err := store.AppendVersion("n1", c, "alice", 1); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var versions []models.VersionSnapshot
	getJSON(t, srv.URL+"/v1/notes/n1/versions", http.StatusOK, &versions)
	if len(versions) != 3 || versions[0].Content != "three" {
		t.Fatalf("unexpected versions: %+v", versions)
	}

	getJSON(t, srv.URL+"/v1/notes/n1/versions?limit=1", http.StatusOK, &versions)
	if len(versions) != 1 || versions[0].Version != 3 {
		t.Fatalf("unexpected limited versions: %+v", versions)
	}

	getJSON(t, srv.URL+"/v1/notes/n1/versions?limit=bogus", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/v1/notes/missing/versions", http.StatusNotFound, nil)
}

func TestVersionListingEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	seedNote(t)
	var versions []models.VersionSnapshot
	getJSON(t, srv.URL+"/v1/notes/n1/versions", http.StatusOK, &versions)
	if versions == nil || len(versions) != 0 {
		t.Fatalf("expected empty array, got %v", versions)
	}
}

func TestGetSingleVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	seedNote(t)
	if _, err := store.AppendVersion("n1", "content", "bob", 42); err != nil {
		t.Fatalf("append: %v", err)
	}

	var v models.VersionSnapshot
	getJSON(t, srv.URL+"/v1/notes/n1/versions/1", http.StatusOK, &v)
	if v.Contributor != "bob" || v.TS != 42 {
		t.Fatalf("unexpected version: %+v", v)
	}

	getJSON(t, srv.URL+"/v1/notes/n1/versions/7", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/v1/notes/n1/versions/0", http.StatusBadRequest, nil)
}

func TestForceSnapshot(t *testing.T) {
	srv, reg := newTestServer(t)
	seedNote(t)

	post := func(want int) map[string]any {
		resp, err := http.Post(srv.URL+"/v1/notes/n1/snapshot", "application/json", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("post status %d, want %d", resp.StatusCode, want)
		}
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return body
	}

	// no live session: nothing unsaved
	if body := post(http.StatusOK); body["persisted"] != false {
		t.Fatalf("expected persisted=false, got %v", body)
	}

	// a live session with pending edits snapshots immediately
	sess, err := reg.GetOrCreate("n1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	client := crdt.New("alice")
	u, err := client.InsertAt(0, "draft")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := sess.ApplyUpdate(wire.EncodeUpdate(u), "alice"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if body := post(http.StatusOK); body["persisted"] != true {
		t.Fatalf("expected persisted=true, got %v", body)
	}
	content, found, err := store.LoadLatestSnapshot("n1")
	if err != nil || !found || content != "draft" {
		t.Fatalf("snapshot not stored: content=%q found=%v err=%v", content, found, err)
	}

	resp, err := http.Post(srv.URL+"/v1/notes/missing/snapshot", "application/json", nil)
	if err != nil {
		t.Fatalf("post missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
