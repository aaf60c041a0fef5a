// Package database persists notes and artifact metadata.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

var (
	ErrNoteNotFound         = errors.New("note not found")
	ErrArtifactNotFound     = errors.New("artifact not found")
	ErrDuplicateFingerprint = errors.New("artifact with this fingerprint already exists for owner")
)

// ownerFingerprintIndex is the unique index enforcing one artifact per
// (owner, fingerprint).
const ownerFingerprintIndex = "artifacts_owner_fingerprint_key"

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

func migrationsFS(dialect string) fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations/"+dialect)
	if err != nil {
		panic(err)
	}
	return sub
}

// Store is the persistence port used by the upload service.
type Store interface {
	// CreateNote inserts fresh artifacts, binds any pending artifacts the
	// note references, and inserts the note with its ordered links, all in
	// one transaction.
	CreateNote(ctx context.Context, note *Note, fresh []*Artifact) error
	RegisterArtifact(ctx context.Context, a *Artifact) error
	FindArtifact(ctx context.Context, owner, fingerprint string) (*Artifact, error)
	ArtifactsByName(ctx context.Context, owner string, names []string) ([]*Artifact, error)
	GetNote(ctx context.Context, owner, id string) (*Note, error)
	// UpdateNote replaces the body and annotation of a note.
	UpdateNote(ctx context.Context, owner, id, text, annotation string) error
	// DeleteNote removes the note and returns the artifacts it referenced
	// exclusively. Those rows are gone once it returns; their files are the
	// caller's to remove.
	DeleteNote(ctx context.Context, owner, id string) ([]*Artifact, error)
	ExpirePending(ctx context.Context, olderThan time.Time) ([]*Artifact, error)
	Stats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) error
	RunMigrations(ctx context.Context) error
	Close() error
}

// Open connects to the store named by url. Supported schemes are
// postgres://, postgresql://, sqlite:// (or file:) and memory://.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "file:"))
	case url == "memory://" || url == "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", redact(url))
	}
}

func redact(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}
