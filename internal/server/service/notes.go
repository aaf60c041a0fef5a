package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"notekeep/internal/server/database"
)

// SmallRequest is a note created in a single request, without chunking.
type SmallRequest struct {
	Type       string
	Content    string
	Filename   string
	Annotation string
}

// CreateNote stores a text note directly, or runs a small file payload
// (base64 or a data URL) through the same pipeline as a one-part upload.
func (u *UploadService) CreateNote(ctx context.Context, owner string, req SmallRequest) (*Result, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	}

	switch req.Type {
	case "text", "":
		text := strings.TrimSpace(req.Content)
		if text == "" {
			return nil, fmt.Errorf("%w: note content is empty", ErrInvalidRequest)
		}
		note := &database.Note{
			OwnerID:    owner,
			Kind:       database.KindText,
			Text:       text,
			Annotation: strings.TrimSpace(req.Annotation),
		}
		if err := u.db.CreateNote(ctx, note, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		slog.Info("text note created", "owner", owner, "note_id", note.ID)
		return &Result{Status: StatusCreated, Note: note}, nil

	case "file", "image":
		data, err := decodePayload(req.Content)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > u.cfg.MaxFileSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrOversized, len(data))
		}
		return u.ReceiveChunk(ctx, owner, ChunkRequest{
			SessionID:  "small-" + uuid.NewString(),
			Ordinal:    0,
			Total:      1,
			Filename:   req.Filename,
			Mode:       ModeFile,
			Annotation: strings.TrimSpace(req.Annotation),
			Body:       bytes.NewReader(data),
		})

	default:
		return nil, fmt.Errorf("%w: unknown note type %q", ErrInvalidRequest, req.Type)
	}
}

// decodePayload accepts plain base64 or a data URL ("data:<type>;base64,<data>").
func decodePayload(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "data:") {
		i := strings.IndexByte(content, ',')
		if i < 0 || !strings.HasSuffix(content[:i], ";base64") {
			return nil, fmt.Errorf("%w: only base64 data urls are supported", ErrInvalidRequest)
		}
		content = content[i+1:]
	}
	if content == "" {
		return nil, fmt.Errorf("%w: empty file payload", ErrInvalidRequest)
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(content); err != nil {
			return nil, fmt.Errorf("%w: payload is not valid base64", ErrInvalidRequest)
		}
	}
	return data, nil
}

// CreateGallery binds previously staged artifacts, in the given order, into
// one gallery note.
func (u *UploadService) CreateGallery(ctx context.Context, owner string, names []string, annotation string) (*Result, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: a gallery needs at least one file", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			return nil, fmt.Errorf("%w: empty or repeated file %q", ErrInvalidRequest, n)
		}
		seen[n] = true
	}

	artifacts, err := u.db.ArtifactsByName(ctx, owner, names)
	if err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return nil, classify(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	note := &database.Note{
		OwnerID:    owner,
		Kind:       database.KindGallery,
		Annotation: strings.TrimSpace(annotation),
		Artifacts:  artifacts,
	}
	if err := u.db.CreateNote(ctx, note, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	slog.Info("gallery note created", "owner", owner, "note_id", note.ID, "files", len(artifacts))
	return &Result{Status: StatusCreated, Note: note}, nil
}

// GetNote returns one of the owner's notes.
func (u *UploadService) GetNote(ctx context.Context, owner, id string) (*database.Note, error) {
	note, err := u.db.GetNote(ctx, owner, id)
	if err != nil {
		if errors.Is(err, database.ErrNoteNotFound) {
			return nil, classify(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return note, nil
}

// EditNote replaces the text of a text note, or the annotation of any
// other note.
func (u *UploadService) EditNote(ctx context.Context, owner, id, content string) (*database.Note, error) {
	note, err := u.GetNote(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if note.Kind == database.KindText {
		if content == "" {
			return nil, fmt.Errorf("%w: note content is empty", ErrInvalidRequest)
		}
		note.Text = content
	} else {
		note.Annotation = content
	}
	if err := u.db.UpdateNote(ctx, owner, id, note.Text, note.Annotation); err != nil {
		if errors.Is(err, database.ErrNoteNotFound) {
			return nil, classify(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return note, nil
}

// OpenArtifact opens the index-th file of a note. The caller closes it.
func (u *UploadService) OpenArtifact(ctx context.Context, owner, noteID string, index int) (*os.File, *database.Artifact, error) {
	note, err := u.GetNote(ctx, owner, noteID)
	if err != nil {
		return nil, nil, err
	}
	if index < 0 || index >= len(note.Artifacts) {
		return nil, nil, fmt.Errorf("%w: note %s has no file %d", ErrNotFound, noteID, index)
	}
	a := note.Artifacts[index]
	f, err := u.store.Open(a.StorageName)
	if err != nil {
		return nil, nil, classify(err)
	}
	return f, a, nil
}

// BundleName is the download name for WriteBundle's output.
func BundleName(note *database.Note) string {
	if note.Kind == database.KindArchive && note.Text != "" {
		return note.Text
	}
	return string(note.Kind) + "_note_" + note.ID + ".zip"
}

// WriteBundle streams a zip of every file of a gallery or archive note to w.
// Entries carry the original names, disambiguated where they repeat.
func (u *UploadService) WriteBundle(ctx context.Context, note *database.Note, w io.Writer) error {
	if note.Kind != database.KindGallery && note.Kind != database.KindArchive {
		return fmt.Errorf("%w: %s notes have no bundle", ErrInvalidRequest, note.Kind)
	}

	zw := zip.NewWriter(w)
	used := make(map[string]bool, len(note.Artifacts))
	for _, a := range note.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.addToBundle(zw, a, uniqueEntry(used, a.OriginalName)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finish bundle: %v", ErrIOFailure, err)
	}
	return nil
}

func (u *UploadService) addToBundle(zw *zip.Writer, a *database.Artifact, name string) error {
	f, err := u.store.Open(a.StorageName)
	if err != nil {
		return classify(err)
	}
	defer f.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: a.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: add %s: %v", ErrIOFailure, name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIOFailure, name, err)
	}
	return nil
}

func uniqueEntry(used map[string]bool, name string) string {
	name = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "" {
		name = "file"
	}
	candidate := name
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; used[candidate]; i++ {
		candidate = base + "_" + strconv.Itoa(i) + ext
	}
	used[candidate] = true
	return candidate
}

// DeleteNote removes a note and every file no other note still references.
func (u *UploadService) DeleteNote(ctx context.Context, owner, id string) error {
	orphaned, err := u.db.DeleteNote(ctx, owner, id)
	if err != nil {
		if errors.Is(err, database.ErrNoteNotFound) {
			return classify(err)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, a := range orphaned {
		if err := u.store.Delete(a.StorageName); err != nil {
			slog.Error("failed to delete stored file",
				"note_id", id,
				"storage_name", a.StorageName,
				"error", err,
			)
		}
	}
	slog.Info("note deleted", "owner", owner, "note_id", id, "files_removed", len(orphaned))
	return nil
}

// Previewable reports whether a stored file may be rendered inline. Only
// types whose content was sniff-checked qualify.
func (u *UploadService) Previewable(name string) bool {
	return u.types.IsImage(name)
}

// Stats returns aggregate statistics.
func (u *UploadService) Stats(ctx context.Context) (*database.Stats, error) {
	stats, err := u.db.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return stats, nil
}
