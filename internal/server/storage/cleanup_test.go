package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notekeep/internal/server/database"
	"notekeep/internal/server/fingerprint"
	"notekeep/internal/server/staging"
)

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	chunks := staging.NewChunkStore(t.TempDir(), fingerprint.SHA256)
	storeDir := t.TempDir()
	store := NewFileSystemStore(storeDir)
	db := database.NewMemory()

	for _, id := range []string{"stale", "active"} {
		if _, err := chunks.OpenSession(id, staging.Manifest{Owner: "alice", Filename: "a.txt", Parts: 2, Mode: "file"}); err != nil {
			t.Fatalf("open session: %v", err)
		}
		if _, err := chunks.WritePart(id, 0, bytes.NewReader([]byte("part"))); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(filepath.Join(chunks.Root(), "stale"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	writeSource(t, storeDir, "old.png", "old")
	writeSource(t, storeDir, "new.png", "new")
	stale := &database.Artifact{OwnerID: "alice", StorageName: "old.png", Fingerprint: "sha256:1", CreatedAt: old}
	fresh := &database.Artifact{OwnerID: "alice", StorageName: "new.png", Fingerprint: "sha256:2"}
	for _, a := range []*database.Artifact{stale, fresh} {
		if err := db.RegisterArtifact(ctx, a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	sweeper := NewSweeper(chunks, db, store, time.Hour, 24*time.Hour, 24*time.Hour)
	report := sweeper.RunOnce(ctx)

	if report.Sessions != 1 || report.Artifacts != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := os.Stat(filepath.Join(chunks.Root(), "stale")); !os.IsNotExist(err) {
		t.Error("expected stale session to be discarded")
	}
	if n, _ := chunks.Received("active", 2); n != 1 {
		t.Error("active session should be untouched")
	}
	if store.Exists("old.png") {
		t.Error("expected expired artifact file to be deleted")
	}
	if !store.Exists("new.png") {
		t.Error("fresh pending artifact should remain")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	chunks := staging.NewChunkStore(t.TempDir(), fingerprint.SHA256)
	sweeper := NewSweeper(chunks, database.NewMemory(), NewFileSystemStore(t.TempDir()), time.Hour, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
