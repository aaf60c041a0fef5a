package filex

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRenameNoReplace(t *testing.T) {
	t.Run("moves into free name", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src")
		dst := filepath.Join(dir, "dst")
		os.WriteFile(src, []byte("data"), 0o644)

		if err := RenameNoReplace(src, dst); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Error("expected source to be gone")
		}
		content, err := os.ReadFile(dst)
		if err != nil || string(content) != "data" {
			t.Errorf("expected dst content 'data', got %q (%v)", content, err)
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src")
		dst := filepath.Join(dir, "dst")
		os.WriteFile(src, []byte("new"), 0o644)
		os.WriteFile(dst, []byte("old"), 0o644)

		err := RenameNoReplace(src, dst)
		if !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		content, _ := os.ReadFile(dst)
		if string(content) != "old" {
			t.Errorf("destination was overwritten: %q", content)
		}
		if _, err := os.Stat(src); err != nil {
			t.Error("expected source to remain after refused rename")
		}
	})

	t.Run("only one racer wins", func(t *testing.T) {
		dir := t.TempDir()
		dst := filepath.Join(dir, "dst")

		const racers = 8
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			src := filepath.Join(dir, "src"+string(rune('a'+i)))
			os.WriteFile(src, []byte{byte(i)}, 0o644)
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- RenameNoReplace(src, dst)
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly 1 winner, got %d", wins)
		}
	})
}
