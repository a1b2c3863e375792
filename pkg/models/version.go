package models

// VersionSnapshot is an immutable capture of a note's rendered text at a
// point in time. Versions are append-only; numbers increase monotonically
// per note and are never reused.
type VersionSnapshot struct {
	NoteID  string `json:"note_id"`
	Version uint64 `json:"version"`
	Content string `json:"content"`
	// Contributor is the participant whose update most recently touched the
	// document before the snapshot was taken.
	Contributor string `json:"contributor,omitempty"`
	TS          int64  `json:"ts"`
}
