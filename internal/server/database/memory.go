package database

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and throwaway servers.
type MemoryStore struct {
	mu        sync.Mutex
	notes     map[string]*Note
	artifacts map[string]*Artifact
	links     map[string][]string // note id -> artifact ids in order
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		notes:     make(map[string]*Note),
		artifacts: make(map[string]*Artifact),
		links:     make(map[string][]string),
	}
}

func (m *MemoryStore) RunMigrations(context.Context) error { return nil }
func (m *MemoryStore) HealthCheck(context.Context) error   { return nil }
func (m *MemoryStore) Close() error                        { return nil }

func (m *MemoryStore) CreateNote(ctx context.Context, note *Note, fresh []*Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	note.prepare(now)
	for i, a := range fresh {
		a.prepare(now)
		if err := m.checkUniqueLocked(a, fresh[:i]); err != nil {
			return err
		}
	}
	for _, a := range note.Artifacts {
		if _, ok := m.artifacts[a.ID]; !ok && !contains(fresh, a) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, a.ID)
		}
	}

	for _, a := range fresh {
		a.Pending = false
		cp := *a
		m.artifacts[a.ID] = &cp
	}
	ids := make([]string, 0, len(note.Artifacts))
	for _, a := range note.Artifacts {
		m.artifacts[a.ID].Pending = false
		a.Pending = false
		ids = append(ids, a.ID)
	}
	cp := *note
	cp.Artifacts = nil
	m.notes[note.ID] = &cp
	m.links[note.ID] = ids
	return nil
}

func (m *MemoryStore) RegisterArtifact(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a.prepare(time.Now().UTC())
	a.Pending = true
	if err := m.checkUniqueLocked(a, nil); err != nil {
		return err
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) checkUniqueLocked(a *Artifact, batch []*Artifact) error {
	for _, existing := range m.artifacts {
		if existing.OwnerID == a.OwnerID && existing.Fingerprint == a.Fingerprint {
			return fmt.Errorf("%w: %s", ErrDuplicateFingerprint, a.Fingerprint)
		}
		if existing.StorageName == a.StorageName {
			return fmt.Errorf("storage name %s already recorded", a.StorageName)
		}
	}
	for _, other := range batch {
		if other.OwnerID == a.OwnerID && other.Fingerprint == a.Fingerprint {
			return fmt.Errorf("%w: %s", ErrDuplicateFingerprint, a.Fingerprint)
		}
	}
	return nil
}

func (m *MemoryStore) FindArtifact(ctx context.Context, owner, fingerprint string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.OwnerID == owner && a.Fingerprint == fingerprint {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ArtifactsByName(ctx context.Context, owner string, names []string) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*Artifact
	for _, a := range m.artifacts {
		if a.OwnerID == owner {
			cp := *a
			found = append(found, &cp)
		}
	}
	return orderByName(found, names)
}

func (m *MemoryStore) GetNote(ctx context.Context, owner, id string) (*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.OwnerID != owner {
		return nil, ErrNoteNotFound
	}
	cp := *n
	for _, aid := range m.links[id] {
		a := *m.artifacts[aid]
		cp.Artifacts = append(cp.Artifacts, &a)
	}
	return &cp, nil
}

func (m *MemoryStore) UpdateNote(ctx context.Context, owner, id, text, annotation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.OwnerID != owner {
		return ErrNoteNotFound
	}
	n.Text = text
	n.Annotation = annotation
	return nil
}

func (m *MemoryStore) DeleteNote(ctx context.Context, owner, id string) ([]*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.OwnerID != owner {
		return nil, ErrNoteNotFound
	}
	linked := m.links[id]
	delete(m.notes, id)
	delete(m.links, id)

	var orphaned []*Artifact
	for _, aid := range linked {
		if m.referencedLocked(aid) {
			continue
		}
		if a, ok := m.artifacts[aid]; ok {
			orphaned = append(orphaned, a)
			delete(m.artifacts, aid)
		}
	}
	return orphaned, nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, olderThan time.Time) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Artifact
	for id, a := range m.artifacts {
		if a.Pending && a.CreatedAt.Before(olderThan) && !m.referencedLocked(id) {
			expired = append(expired, a)
			delete(m.artifacts, id)
		}
	}
	return expired, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{Notes: int64(len(m.notes)), Artifacts: int64(len(m.artifacts))}
	for _, a := range m.artifacts {
		stats.BytesStored += a.Size
	}
	return stats, nil
}

func (m *MemoryStore) referencedLocked(artifactID string) bool {
	for _, ids := range m.links {
		for _, id := range ids {
			if id == artifactID {
				return true
			}
		}
	}
	return false
}

func contains(list []*Artifact, a *Artifact) bool {
	for _, x := range list {
		if x == a || x.ID == a.ID {
			return true
		}
	}
	return false
}
