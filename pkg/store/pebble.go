package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"notesync/pkg/logger"
	"notesync/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

// ErrNotFound is returned when a note or version key does not exist.
var ErrNotFound = errors.New("store: not found")

// verMu serializes version appends so the read-next-number / write pair
// cannot race between concurrent snapshot writers.
var verMu sync.Mutex

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// Key layout:
//   note:<id>                  note metadata (JSON)
//   note:<id>:ver:<%020d>      version snapshot, ascending version number

func noteKey(id string) []byte {
	return []byte("note:" + id)
}

func versionKey(id string, n uint64) []byte {
	return []byte(fmt.Sprintf("note:%s:ver:%020d", id, n))
}

func versionPrefix(id string) []byte {
	return []byte(fmt.Sprintf("note:%s:ver:", id))
}

// SaveNote writes note metadata.
func SaveNote(n models.Note) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return db.Set(noteKey(n.ID), data, pebble.Sync)
}

// GetNote loads note metadata by id.
func GetNote(id string) (models.Note, error) {
	var n models.Note
	if db == nil {
		return n, fmt.Errorf("pebble not opened; call store.Open first")
	}
	val, closer, err := db.Get(noteKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return n, ErrNotFound
		}
		return n, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &n); err != nil {
		return n, err
	}
	return n, nil
}

// AppendVersion writes the next version snapshot for a note and returns
// its version number. Numbers are dense and ascending per note.
func AppendVersion(noteID, content, contributor string, ts int64) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	verMu.Lock()
	defer verMu.Unlock()
	next := uint64(1)
	if latest, ok, err := latestVersionNumber(noteID); err != nil {
		return 0, err
	} else if ok {
		next = latest + 1
	}
	snap := models.VersionSnapshot{
		NoteID:      noteID,
		Version:     next,
		Content:     content,
		Contributor: contributor,
		TS:          ts,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, err
	}
	if err := db.Set(versionKey(noteID, next), data, pebble.Sync); err != nil {
		return 0, err
	}
	return next, nil
}

func latestVersionNumber(noteID string) (uint64, bool, error) {
	prefix := versionPrefix(noteID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xff),
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, false, nil
	}
	var snap models.VersionSnapshot
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return 0, false, err
	}
	return snap.Version, true, nil
}

// LoadLatestSnapshot returns the content of the newest version for a
// note, or found=false when the note has no versions yet.
func LoadLatestSnapshot(noteID string) (string, bool, error) {
	if db == nil {
		return "", false, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := versionPrefix(noteID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xff),
	})
	if err != nil {
		return "", false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return "", false, nil
	}
	var snap models.VersionSnapshot
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return "", false, err
	}
	return snap.Content, true, nil
}

// ListVersions returns version snapshots for a note, newest first. A
// limit of 0 means no limit.
func ListVersions(noteID string, limit int) ([]models.VersionSnapshot, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := versionPrefix(noteID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xff),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.VersionSnapshot
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var snap models.VersionSnapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetVersion loads a single version snapshot.
func GetVersion(noteID string, n uint64) (models.VersionSnapshot, error) {
	var snap models.VersionSnapshot
	if db == nil {
		return snap, fmt.Errorf("pebble not opened; call store.Open first")
	}
	val, closer, err := db.Get(versionKey(noteID, n))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return snap, ErrNotFound
		}
		return snap, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// PruneVersions deletes all but the newest keep versions of a note and
// returns how many were removed.
func PruneVersions(noteID string, keep int) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if keep <= 0 {
		return 0, nil
	}
	prefix := versionPrefix(noteID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xff),
	})
	if err != nil {
		return 0, err
	}
	var victims [][]byte
	seen := 0
	for ok := iter.Last(); ok; ok = iter.Prev() {
		seen++
		if seen > keep {
			victims = append(victims, append([]byte{}, iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, k := range victims {
		if err := db.Delete(k, pebble.Sync); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// ListNoteIDs scans metadata keys and returns every known note id.
func ListNoteIDs() ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("note:"),
		UpperBound: []byte("note;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		rest := strings.TrimPrefix(key, "note:")
		if strings.Contains(rest, ":") {
			continue // version key
		}
		out = append(out, rest)
	}
	return out, nil
}
