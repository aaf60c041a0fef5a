package database

import (
	"time"

	"github.com/google/uuid"
)

// NoteKind distinguishes how a note's content is shaped.
type NoteKind string

const (
	KindText    NoteKind = "text"
	KindFile    NoteKind = "file"
	KindGallery NoteKind = "gallery"
	KindArchive NoteKind = "archive"
)

// Valid reports whether k is a known kind.
func (k NoteKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindGallery, KindArchive:
		return true
	}
	return false
}

// Note is a user-visible record. File-bearing notes reference their
// artifacts in display order.
type Note struct {
	ID         string
	OwnerID    string
	Kind       NoteKind
	Text       string
	Annotation string
	Artifacts  []*Artifact
	CreatedAt  time.Time
}

// Artifact is one stored file. Pending artifacts were uploaded as gallery
// members and are not yet bound to a note.
type Artifact struct {
	ID           string
	OwnerID      string
	StorageName  string
	Fingerprint  string
	Size         int64
	OriginalName string
	Pending      bool
	CreatedAt    time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	Notes       int64
	Artifacts   int64
	BytesStored int64
}

func (n *Note) prepare(now time.Time) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
}

func (a *Artifact) prepare(now time.Time) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
}
