package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"notekeep/internal/server/config"
	"notekeep/internal/server/database"
)

func TestCreateNote_Text(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateNote(ctx, "alice", SmallRequest{Type: "text", Content: "  buy milk  "})
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)
	require.Equal(t, database.KindText, res.Note.Kind)
	require.Equal(t, "buy milk", res.Note.Text)

	got, err := f.svc.GetNote(ctx, "alice", res.Note.ID)
	require.NoError(t, err)
	require.Equal(t, "buy milk", got.Text)
	require.Empty(t, got.Artifacts)

	_, err = f.svc.CreateNote(ctx, "alice", SmallRequest{Type: "text", Content: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.CreateNote(ctx, "", SmallRequest{Content: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.CreateNote(ctx, "alice", SmallRequest{Type: "video", Content: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateNote_SmallFile(t *testing.T) {
	ctx := context.Background()
	img := pngBytes(t, 42)

	t.Run("plain base64", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.CreateNote(ctx, "alice", SmallRequest{
			Type:     "file",
			Content:  base64.StdEncoding.EncodeToString([]byte("hello file")),
			Filename: "hello.txt",
		})
		require.NoError(t, err)
		require.Equal(t, StatusCreated, res.Status)
		require.Equal(t, database.KindFile, res.Note.Kind)

		stored, err := os.ReadFile(filepath.Join(f.storeDir, res.Artifact.StorageName))
		require.NoError(t, err)
		require.Equal(t, "hello file", string(stored))
		f.requireStagingEmpty(t)
	})

	t.Run("data url", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.CreateNote(ctx, "alice", SmallRequest{
			Type:       "image",
			Content:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
			Filename:   "dot.png",
			Annotation: "red dot",
		})
		require.NoError(t, err)
		require.Equal(t, "red dot", res.Note.Annotation)
		require.Equal(t, int64(len(img)), res.Artifact.Size)
	})

	t.Run("same content twice is a duplicate", func(t *testing.T) {
		f := newFixture(t)
		req := SmallRequest{Type: "image", Content: base64.StdEncoding.EncodeToString(img), Filename: "dot.png"}
		_, err := f.svc.CreateNote(ctx, "alice", req)
		require.NoError(t, err)
		res, err := f.svc.CreateNote(ctx, "alice", req)
		require.NoError(t, err)
		require.Equal(t, StatusDuplicate, res.Status)
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.Config, _ *fixture) { cfg.MaxFileSize = 8 })
		tests := []struct {
			name string
			req  SmallRequest
			want error
		}{
			{"bad base64", SmallRequest{Type: "file", Content: "***", Filename: "a.txt"}, ErrInvalidRequest},
			{"non base64 data url", SmallRequest{Type: "file", Content: "data:text/plain,hi", Filename: "a.txt"}, ErrInvalidRequest},
			{"empty payload", SmallRequest{Type: "file", Content: "", Filename: "a.txt"}, ErrInvalidRequest},
			{"no filename", SmallRequest{Type: "file", Content: "aGk=", Filename: ""}, ErrInvalidRequest},
			{"too large", SmallRequest{Type: "file", Content: base64.StdEncoding.EncodeToString([]byte("0123456789")), Filename: "a.txt"}, ErrOversized},
			{"spoofed image", SmallRequest{Type: "image", Content: "aGVsbG8=", Filename: "a.png"}, ErrInvalidType},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.CreateNote(ctx, "alice", tt.req)
				require.ErrorIs(t, err, tt.want)
			})
		}
		require.Empty(t, f.storedFiles(t))
	})
}

// stage uploads data as a single-part gallery member.
func (f *fixture) stage(t *testing.T, owner, name string, data []byte) string {
	t.Helper()
	res, err := f.upload(t, owner, "stage-"+filepath.Base(name[:len(name)-len(filepath.Ext(name))]), name, ModeGallery, data, 1)
	require.NoError(t, err)
	require.Equal(t, StatusStaged, res.Status)
	require.True(t, res.Artifact.Pending)
	return res.Artifact.StorageName
}

func TestCreateGallery(t *testing.T) {
	ctx := context.Background()

	t.Run("binds staged files in order", func(t *testing.T) {
		f := newFixture(t)
		first := f.stage(t, "alice", "one.png", pngBytes(t, 1))
		second := f.stage(t, "alice", "two.png", pngBytes(t, 2))

		res, err := f.svc.CreateGallery(ctx, "alice", []string{second, first}, "trip")
		require.NoError(t, err)
		require.Equal(t, database.KindGallery, res.Note.Kind)

		got, err := f.svc.GetNote(ctx, "alice", res.Note.ID)
		require.NoError(t, err)
		require.Equal(t, "trip", got.Annotation)
		require.Len(t, got.Artifacts, 2)
		require.Equal(t, second, got.Artifacts[0].StorageName)
		require.Equal(t, first, got.Artifacts[1].StorageName)
		for _, a := range got.Artifacts {
			require.False(t, a.Pending)
		}
	})

	t.Run("rejects bad name lists", func(t *testing.T) {
		f := newFixture(t)
		name := f.stage(t, "alice", "one.png", pngBytes(t, 1))

		_, err := f.svc.CreateGallery(ctx, "alice", nil, "")
		require.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.svc.CreateGallery(ctx, "alice", []string{name, name}, "")
		require.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.svc.CreateGallery(ctx, "alice", []string{name, "missing.png"}, "")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = f.svc.CreateGallery(ctx, "bob", []string{name}, "")
		require.ErrorIs(t, err, ErrNotFound, "galleries only bind the owner's files")
	})
}

func TestEditNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.svc.CreateNote(ctx, "alice", SmallRequest{Content: "draft"})
	require.NoError(t, err)

	edited, err := f.svc.EditNote(ctx, "alice", text.Note.ID, "final")
	require.NoError(t, err)
	require.Equal(t, "final", edited.Text)

	_, err = f.svc.EditNote(ctx, "alice", text.Note.ID, " ")
	require.ErrorIs(t, err, ErrInvalidRequest)

	file, err := f.upload(t, "alice", "s1", "a.txt", ModeFile, []byte("file body"), 1)
	require.NoError(t, err)
	edited, err = f.svc.EditNote(ctx, "alice", file.Note.ID, "new caption")
	require.NoError(t, err)
	require.Equal(t, "new caption", edited.Annotation)

	got, err := f.svc.GetNote(ctx, "alice", file.Note.ID)
	require.NoError(t, err)
	require.Equal(t, "new caption", got.Annotation)

	_, err = f.svc.EditNote(ctx, "bob", text.Note.ID, "hijack")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.upload(t, "alice", "s1", "a.txt", ModeFile, []byte("file body"), 1)
	require.NoError(t, err)

	file, artifact, err := f.svc.OpenArtifact(ctx, "alice", res.Note.ID, 0)
	require.NoError(t, err)
	defer file.Close()
	body, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "file body", string(body))
	require.Equal(t, "a.txt", artifact.OriginalName)

	_, _, err = f.svc.OpenArtifact(ctx, "alice", res.Note.ID, 1)
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = f.svc.OpenArtifact(ctx, "alice", "nope", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := zipBytes(t,
		[2]string{"a/readme.txt", "first"},
		[2]string{"b/readme.txt", "second"},
	)
	res, err := f.upload(t, "alice", "zip1", "docs.zip", ModeArchive, data, 1)
	require.NoError(t, err)
	require.Equal(t, "docs.zip", BundleName(res.Note))

	var buf bytes.Buffer
	require.NoError(t, f.svc.WriteBundle(ctx, res.Note, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	got := map[string]string{}
	for _, entry := range zr.File {
		rc, err := entry.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		got[entry.Name] = string(body)
	}
	require.Equal(t, map[string]string{"a/readme.txt": "first", "b/readme.txt": "second"}, got)

	text, err := f.svc.CreateNote(ctx, "alice", SmallRequest{Content: "plain"})
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.WriteBundle(ctx, text.Note, io.Discard), ErrInvalidRequest)
}

func TestUniqueEntry(t *testing.T) {
	used := map[string]bool{}
	require.Equal(t, "photo.png", uniqueEntry(used, "photo.png"))
	require.Equal(t, "photo_1.png", uniqueEntry(used, "photo.png"))
	require.Equal(t, "photo_2.png", uniqueEntry(used, "photo.png"))
	require.Equal(t, "etc/passwd", uniqueEntry(used, "../../etc/passwd"))
	require.Equal(t, "dir/x.txt", uniqueEntry(used, `dir\x.txt`))
	require.Equal(t, "file", uniqueEntry(used, ""))
}

func TestDeleteNote(t *testing.T) {
	ctx := context.Background()

	t.Run("removes files no other note uses", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.upload(t, "alice", "s1", "a.txt", ModeFile, []byte("body"), 1)
		require.NoError(t, err)
		require.Len(t, f.storedFiles(t), 1)

		require.NoError(t, f.svc.DeleteNote(ctx, "alice", res.Note.ID))
		require.Empty(t, f.storedFiles(t))

		_, err = f.svc.GetNote(ctx, "alice", res.Note.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, f.svc.DeleteNote(ctx, "alice", res.Note.ID), ErrNotFound)
	})

	t.Run("keeps shared files until the last reference goes", func(t *testing.T) {
		f := newFixture(t)
		name := f.stage(t, "alice", "shared.png", pngBytes(t, 7))

		first, err := f.svc.CreateGallery(ctx, "alice", []string{name}, "")
		require.NoError(t, err)
		second, err := f.svc.CreateGallery(ctx, "alice", []string{name}, "")
		require.NoError(t, err)

		require.NoError(t, f.svc.DeleteNote(ctx, "alice", first.Note.ID))
		require.Equal(t, []string{name}, f.storedFiles(t))

		require.NoError(t, f.svc.DeleteNote(ctx, "alice", second.Note.ID))
		require.Empty(t, f.storedFiles(t))
	})
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("session")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Zero(t, k.size(), "released keys are forgotten")

	a := k.Lock("a")
	b := k.Lock("b")
	require.Equal(t, 2, k.size())
	a()
	b()
	require.Zero(t, k.size())
}
