package service

import (
	"context"
	"fmt"

	"notekeep/internal/server/database"
	"notekeep/internal/server/fingerprint"
)

// DedupRegistry answers whether an owner already stores some content.
// Lookups are per owner; two owners may hold identical bytes.
type DedupRegistry struct {
	db database.Store
}

// NewDedupRegistry creates a registry over the persistence port.
func NewDedupRegistry(db database.Store) *DedupRegistry {
	return &DedupRegistry{db: db}
}

// Find returns the owner's artifact with fingerprint fp, or nil.
func (r *DedupRegistry) Find(ctx context.Context, owner string, fp fingerprint.Fingerprint) (*database.Artifact, error) {
	a, err := r.db.FindArtifact(ctx, owner, string(fp))
	if err != nil {
		return nil, fmt.Errorf("%w: dedup lookup: %v", ErrPersistence, err)
	}
	return a, nil
}
