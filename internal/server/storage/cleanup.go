package storage

import (
	"context"
	"log/slog"
	"time"

	"notekeep/internal/server/database"
	"notekeep/internal/server/staging"
)

// SweepReport summarizes one sweep cycle.
type SweepReport struct {
	Sessions  int
	Artifacts int
	Failed    int
}

// Sweeper periodically reclaims abandoned staging sessions and gallery
// artifacts that were uploaded but never bound to a note.
type Sweeper struct {
	chunks     *staging.ChunkStore
	db         database.Store
	store      Store
	interval   time.Duration
	sessionTTL time.Duration
	pendingTTL time.Duration
	now        func() time.Time
	done       chan struct{}
}

// NewSweeper creates a new sweeper.
func NewSweeper(chunks *staging.ChunkStore, db database.Store, store Store, interval, sessionTTL, pendingTTL time.Duration) *Sweeper {
	return &Sweeper{
		chunks:     chunks,
		db:         db,
		store:      store,
		interval:   interval,
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper started",
		"interval", s.interval,
		"session_ttl", s.sessionTTL,
		"pending_ttl", s.pendingTTL,
	)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// RunOnce performs a single sweep cycle. A session that is still receiving
// parts when it is swept simply starts over from its first part.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.now()

	ids, err := s.chunks.Abandoned(now.Add(-s.sessionTTL))
	if err != nil {
		slog.Error("failed to list abandoned sessions", "error", err)
	}
	for _, id := range ids {
		if err := s.chunks.Discard(id); err != nil {
			slog.Error("failed to discard session", "session_id", id, "error", err)
			report.Failed++
			continue
		}
		report.Sessions++
		slog.Info("discarded abandoned session", "session_id", id)
	}

	expired, err := s.db.ExpirePending(ctx, now.Add(-s.pendingTTL))
	if err != nil {
		slog.Error("failed to expire pending artifacts", "error", err)
	}
	for _, a := range expired {
		// The row is already gone; a file left behind here is only wasted space.
		if err := s.store.Delete(a.StorageName); err != nil {
			slog.Error("failed to delete pending artifact file",
				"storage_name", a.StorageName,
				"owner", a.OwnerID,
				"error", err,
			)
			report.Failed++
			continue
		}
		report.Artifacts++
		slog.Info("expired pending artifact",
			"storage_name", a.StorageName,
			"owner", a.OwnerID,
			"created_at", a.CreatedAt,
		)
	}

	slog.Info("sweep cycle complete",
		"sessions", report.Sessions,
		"artifacts", report.Artifacts,
		"failed", report.Failed,
	)
	return report
}
