package staging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notekeep/internal/server/fingerprint"
)

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	cs := NewChunkStore(filepath.Join(t.TempDir(), "staging"), fingerprint.SHA256)
	if err := cs.EnsureDir(); err != nil {
		t.Fatalf("failed to create staging root: %v", err)
	}
	return cs
}

func openTestSession(t *testing.T, cs *ChunkStore, id string, parts int) {
	t.Helper()
	_, err := cs.OpenSession(id, Manifest{Owner: "u1", Filename: "data.bin", Parts: parts, Mode: "file"})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
}

func writeParts(t *testing.T, cs *ChunkStore, id string, parts [][]byte, order []int) {
	t.Helper()
	for _, i := range order {
		if _, err := cs.WritePart(id, i, bytes.NewReader(parts[i])); err != nil {
			t.Fatalf("failed to write part %d: %v", i, err)
		}
	}
}

func reassemble(t *testing.T, cs *ChunkStore, id string, parts int) (*Assembled, []byte) {
	t.Helper()
	work, err := cs.Workdir(id, "assemble")
	if err != nil {
		t.Fatal(err)
	}
	asm, err := cs.Reassemble(context.Background(), id, parts, filepath.Join(work, "out"), 0)
	if err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}
	content, err := os.ReadFile(asm.Path)
	if err != nil {
		t.Fatal(err)
	}
	return asm, content
}

var threeParts = [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}

func TestChunkStore_Reassemble(t *testing.T) {
	t.Run("arrival order does not matter", func(t *testing.T) {
		var outputs [][]byte
		var digests []fingerprint.Fingerprint
		for _, order := range [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}} {
			cs := newTestStore(t)
			openTestSession(t, cs, "s1", 3)
			writeParts(t, cs, "s1", threeParts, order)

			asm, content := reassemble(t, cs, "s1", 3)
			outputs = append(outputs, content)
			digests = append(digests, asm.Fingerprint)
		}
		for i := 1; i < len(outputs); i++ {
			if !bytes.Equal(outputs[0], outputs[i]) {
				t.Errorf("ordering %d produced %q, want %q", i, outputs[i], outputs[0])
			}
			if digests[0] != digests[i] {
				t.Errorf("ordering %d produced digest %s, want %s", i, digests[i], digests[0])
			}
		}
		if string(outputs[0]) != "alpha-bravo-charlie" {
			t.Errorf("unexpected content %q", outputs[0])
		}
	})

	t.Run("resubmitting an ordinal is idempotent", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{0, 1, 1, 0, 2, 2})

		asm, content := reassemble(t, cs, "s1", 3)
		if string(content) != "alpha-bravo-charlie" {
			t.Errorf("unexpected content %q", content)
		}
		if asm.Size != int64(len("alpha-bravo-charlie")) {
			t.Errorf("expected size %d, got %d", len("alpha-bravo-charlie"), asm.Size)
		}
	})

	t.Run("digest matches whole-buffer hash", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{0, 1, 2})

		asm, _ := reassemble(t, cs, "s1", 3)
		want, _ := fingerprint.Sum(fingerprint.SHA256, []byte("alpha-bravo-charlie"))
		if asm.Fingerprint != want {
			t.Errorf("expected %s, got %s", want, asm.Fingerprint)
		}
		if string(asm.Head) != "alpha-bravo-charlie" {
			t.Errorf("unexpected head %q", asm.Head)
		}
	})

	t.Run("missing part leaves no destination", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{0, 2})

		dst := filepath.Join(t.TempDir(), "out")
		_, err := cs.Reassemble(context.Background(), "s1", 3, dst, 0)
		if !errors.Is(err, ErrIncompleteUpload) {
			t.Fatalf("expected ErrIncompleteUpload, got %v", err)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("expected partial destination to be removed")
		}
	})

	t.Run("limit aborts oversized output", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{0, 1, 2})

		dst := filepath.Join(t.TempDir(), "out")
		_, err := cs.Reassemble(context.Background(), "s1", 3, dst, 10)
		if !errors.Is(err, ErrOversized) {
			t.Fatalf("expected ErrOversized, got %v", err)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("expected oversized destination to be removed")
		}
	})
}

func TestChunkStore_IsComplete(t *testing.T) {
	t.Run("last ordinal first is not completion", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{2})

		done, err := cs.IsComplete("s1", 3)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			t.Error("session should not be complete after only the final ordinal")
		}

		writeParts(t, cs, "s1", threeParts, []int{0})
		if done, _ := cs.IsComplete("s1", 3); done {
			t.Error("session should not be complete with ordinal 1 missing")
		}

		writeParts(t, cs, "s1", threeParts, []int{1})
		if done, _ := cs.IsComplete("s1", 3); !done {
			t.Error("session should be complete once every ordinal is present")
		}
	})

	t.Run("unknown session is incomplete", func(t *testing.T) {
		cs := newTestStore(t)
		done, err := cs.IsComplete("nope", 1)
		if err != nil || done {
			t.Errorf("expected (false, nil), got (%v, %v)", done, err)
		}
	})

	t.Run("concurrent distinct ordinals", func(t *testing.T) {
		cs := newTestStore(t)
		const parts = 16
		openTestSession(t, cs, "s1", parts)

		var wg sync.WaitGroup
		for i := 0; i < parts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := cs.WritePart("s1", i, bytes.NewReader([]byte{byte('a' + i)})); err != nil {
					t.Errorf("write part %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		_, content := reassemble(t, cs, "s1", parts)
		if string(content) != "abcdefghijklmnop" {
			t.Errorf("unexpected content %q", content)
		}
	})
}

func TestChunkStore_OpenSession(t *testing.T) {
	t.Run("same shape is idempotent", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		openTestSession(t, cs, "s1", 3)
	})

	t.Run("different shape conflicts", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)

		_, err := cs.OpenSession("s1", Manifest{Owner: "u1", Filename: "data.bin", Parts: 4, Mode: "file"})
		if !errors.Is(err, ErrSessionConflict) {
			t.Errorf("expected ErrSessionConflict, got %v", err)
		}
		_, err = cs.OpenSession("s1", Manifest{Owner: "u2", Filename: "data.bin", Parts: 3, Mode: "file"})
		if !errors.Is(err, ErrSessionConflict) {
			t.Errorf("expected ErrSessionConflict for another owner, got %v", err)
		}
	})

	t.Run("rejects path-like ids", func(t *testing.T) {
		cs := newTestStore(t)
		for _, id := range []string{"", "../escape", "a/b", "dot.dot"} {
			if _, err := cs.OpenSession(id, Manifest{Parts: 1}); !errors.Is(err, ErrInvalidSession) {
				t.Errorf("OpenSession(%q): expected ErrInvalidSession, got %v", id, err)
			}
		}
	})

	t.Run("reopening returns the stored manifest", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		m, err := cs.OpenSession("s1", Manifest{Owner: "u1", Filename: "data.bin", Parts: 3, Mode: "file"})
		if err != nil {
			t.Fatal(err)
		}
		if m.Parts != 3 || m.Filename != "data.bin" || m.Owner != "u1" || m.CreatedAt.IsZero() {
			t.Errorf("unexpected manifest %+v", m)
		}
	})
}

func TestChunkStore_Discard(t *testing.T) {
	t.Run("removes staging area", func(t *testing.T) {
		cs := newTestStore(t)
		openTestSession(t, cs, "s1", 3)
		writeParts(t, cs, "s1", threeParts, []int{0, 1})

		if err := cs.Discard("s1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(cs.Root(), "s1")); !os.IsNotExist(err) {
			t.Error("expected session directory to be removed")
		}
	})

	t.Run("nonexistent session is a no-op", func(t *testing.T) {
		cs := newTestStore(t)
		if err := cs.Discard("ghost"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if err := cs.Discard("ghost"); err != nil {
			t.Errorf("expected no error on repeat, got %v", err)
		}
	})
}

func TestChunkStore_Abandoned(t *testing.T) {
	cs := newTestStore(t)
	openTestSession(t, cs, "stale", 3)
	writeParts(t, cs, "stale", threeParts, []int{0})
	openTestSession(t, cs, "fresh", 3)

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(cs.Root(), "stale"), old, old); err != nil {
		t.Fatal(err)
	}

	ids, err := cs.Abandoned(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected [stale], got %v", ids)
	}

	if err := cs.Discard("stale"); err != nil {
		t.Fatal(err)
	}

	// Reusing the id afterwards starts from zero parts.
	openTestSession(t, cs, "stale", 3)
	if n, _ := cs.Received("stale", 3); n != 0 {
		t.Errorf("expected 0 parts after sweep, got %d", n)
	}
}
