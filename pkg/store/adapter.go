package store

import (
	"time"

	"notesync/pkg/models"
)

// Adapter exposes the package-level store functions behind the small
// interfaces the room registry and snapshotter consume.
type Adapter struct{}

func (Adapter) ResolveNote(noteID string) (models.Note, error) {
	return GetNote(noteID)
}

func (Adapter) LoadLatestSnapshot(noteID string) (string, bool, error) {
	return LoadLatestSnapshot(noteID)
}

func (Adapter) WriteSnapshot(noteID, content, contributor string) (uint64, error) {
	return AppendVersion(noteID, content, contributor, time.Now().UTC().UnixMilli())
}
