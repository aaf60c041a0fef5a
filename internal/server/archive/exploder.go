// Package archive explodes uploaded zip files into individual artifacts.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"notekeep/internal/server/fingerprint"
	"notekeep/internal/server/storage"
)

// HeadSize is how many leading bytes of each member are kept for sniffing.
const HeadSize = 2048

var (
	ErrBadArchive   = errors.New("malformed zip archive")
	ErrEmptyArchive = errors.New("zip archive has no files")
	ErrOversized    = errors.New("zip archive exceeds extraction limits")
)

// Limits bounds what a single archive may expand to. Zero means unlimited.
type Limits struct {
	MaxMembers       int
	MaxExpandedBytes int64
	MaxMemberBytes   int64
}

// Member is one extracted file, still in the work directory.
type Member struct {
	RelPath     string
	StorageBase string
	Path        string
	Size        int64
	Fingerprint fingerprint.Fingerprint
	Head        []byte
}

// Placed is a member that has been moved into the permanent store.
type Placed struct {
	Member
	StorageName string
}

// Exploder extracts and promotes zip members.
type Exploder struct {
	limits Limits
	alg    fingerprint.Algorithm
}

// New creates an Exploder.
func New(limits Limits, alg fingerprint.Algorithm) *Exploder {
	return &Exploder{limits: limits, alg: alg}
}

// Extract writes every regular file in the archive at archivePath into
// workDir, hashing as it goes. Members come back in archive order. On error
// nothing extracted is left behind in workDir.
func (e *Exploder) Extract(ctx context.Context, archivePath, workDir string) (members []Member, err error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer r.Close()

	defer func() {
		if err != nil {
			for _, m := range members {
				os.Remove(m.Path)
			}
			members = nil
		}
	}()

	var expanded int64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return members, err
		}

		rel, skip, err := memberPath(f)
		if err != nil {
			return members, err
		}
		if skip {
			continue
		}

		if e.limits.MaxMembers > 0 && len(members) >= e.limits.MaxMembers {
			return members, fmt.Errorf("%w: more than %d members", ErrOversized, e.limits.MaxMembers)
		}

		m, err := e.extractOne(f, rel, filepath.Join(workDir, fmt.Sprintf("member-%05d", len(members))), expanded)
		if m != nil {
			members = append(members, *m)
		}
		if err != nil {
			return members, err
		}
		expanded += m.Size
	}

	if len(members) == 0 {
		return nil, ErrEmptyArchive
	}
	return members, nil
}

func (e *Exploder) extractOne(f *zip.File, rel, dst string, expanded int64) (*Member, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBadArchive, rel, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}
	m := &Member{
		RelPath:     rel,
		StorageBase: storage.NormalizeName(rel),
		Path:        dst,
	}

	hasher, err := fingerprint.New(e.alg)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return nil, err
	}
	head := &headBuffer{max: HeadSize}

	// The declared sizes in the central directory are not trusted; the
	// limit is enforced on the bytes actually inflated.
	limit := e.remaining(expanded)
	n, copyErr := io.Copy(io.MultiWriter(out, hasher, head), io.LimitReader(rc, limit+1))
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("%w: inflate %s: %v", ErrBadArchive, rel, copyErr)
	case n > limit:
		err = fmt.Errorf("%w: %s expands past the allowed size", ErrOversized, rel)
	case closeErr != nil:
		err = fmt.Errorf("close %s: %w", dst, closeErr)
	}
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	m.Size = n
	m.Fingerprint = hasher.Digest()
	m.Head = head.buf.Bytes()
	return m, nil
}

func (e *Exploder) remaining(expanded int64) int64 {
	limit := int64(1<<62 - 1)
	if e.limits.MaxMemberBytes > 0 {
		limit = e.limits.MaxMemberBytes
	}
	if e.limits.MaxExpandedBytes > 0 {
		if left := e.limits.MaxExpandedBytes - expanded; left < limit {
			limit = max(left, 0)
		}
	}
	return limit
}

// Promote moves members into store, disambiguating names that are already
// taken. Either every member is placed or none is.
func (e *Exploder) Promote(ctx context.Context, members []Member, store storage.Store) ([]Placed, error) {
	placed := make([]Placed, 0, len(members))
	rollback := func() {
		for _, p := range placed {
			store.Delete(p.StorageName)
		}
	}

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, err
		}
		name, err := store.Place(m.Path, m.StorageBase)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("promote %s: %w", m.RelPath, err)
		}
		placed = append(placed, Placed{Member: m, StorageName: name})
	}
	return placed, nil
}

// memberPath returns the cleaned relative path of f, or skip=true for
// entries that are not regular user files. Paths escaping the archive root
// are an error.
func memberPath(f *zip.File) (string, bool, error) {
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if name == "" || strings.HasSuffix(name, "/") || f.FileInfo().IsDir() {
		return "", true, nil
	}
	if !f.Mode().IsRegular() {
		return "", true, nil
	}
	if strings.HasPrefix(name, "/") || strings.ContainsRune(name, 0) {
		return "", false, fmt.Errorf("%w: unsafe member path %q", ErrBadArchive, f.Name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", false, fmt.Errorf("%w: unsafe member path %q", ErrBadArchive, f.Name)
		}
	}
	clean := path.Clean(name)
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", false, fmt.Errorf("%w: unsafe member path %q", ErrBadArchive, f.Name)
	}
	if strings.HasPrefix(clean, "__MACOSX/") || path.Base(clean) == ".DS_Store" {
		return "", true, nil
	}
	return clean, false, nil
}

type headBuffer struct {
	buf bytes.Buffer
	max int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.max - h.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf.Write(p[:room])
	}
	return len(p), nil
}
