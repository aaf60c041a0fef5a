// Package staging manages the on-disk staging area for in-flight chunked
// uploads. Each upload session owns one directory under the staging root
// holding a manifest and one file per received part.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio"

	"notekeep/internal/filex"
	"notekeep/internal/server/fingerprint"
)

const (
	manifestName = "manifest.cbor"
	partPrefix   = "part-"
	workPrefix   = "work-"

	// HeadSize is how many leading bytes are kept for content sniffing.
	HeadSize = 2048
)

var (
	ErrInvalidSession   = errors.New("invalid session id")
	ErrSessionConflict  = errors.New("session id reused with a different shape")
	ErrIOFailure        = errors.New("staging i/o failure")
	ErrIncompleteUpload = errors.New("upload is missing parts")
	ErrOversized        = errors.New("reassembled upload exceeds size limit")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Manifest records the shape of a session, fixed when the session opens.
type Manifest struct {
	Owner     string    `cbor:"1,keyasint"`
	Filename  string    `cbor:"2,keyasint"`
	Parts     int       `cbor:"3,keyasint"`
	Mode      string    `cbor:"4,keyasint"`
	CreatedAt time.Time `cbor:"5,keyasint"`
}

func (m Manifest) sameShape(o Manifest) bool {
	return m.Owner == o.Owner && m.Filename == o.Filename && m.Parts == o.Parts && m.Mode == o.Mode
}

// Assembled describes a reassembled upload.
type Assembled struct {
	Path        string
	Size        int64
	Fingerprint fingerprint.Fingerprint
	Head        []byte
}

// ChunkStore stages upload parts beneath a root directory.
type ChunkStore struct {
	root string
	alg  fingerprint.Algorithm
}

// NewChunkStore creates a chunk store rooted at root.
func NewChunkStore(root string, alg fingerprint.Algorithm) *ChunkStore {
	return &ChunkStore{root: root, alg: alg}
}

// EnsureDir creates the staging root if it doesn't exist.
func (cs *ChunkStore) EnsureDir() error {
	if err := os.MkdirAll(cs.root, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory %s: %w", cs.root, err)
	}
	return nil
}

// Root returns the staging root directory.
func (cs *ChunkStore) Root() string {
	return cs.root
}

// OpenSession makes sure the session directory and manifest exist. It is
// idempotent for callers presenting the same shape; a different shape gets
// ErrSessionConflict.
func (cs *ChunkStore) OpenSession(id string, m Manifest) (Manifest, error) {
	dir, err := cs.sessionDir(id)
	if err != nil {
		return Manifest{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("%w: create session dir: %v", ErrIOFailure, err)
	}

	manifestPath := filepath.Join(dir, manifestName)
	if existing, err := readManifest(manifestPath); err == nil {
		return checkShape(existing, m)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Manifest{}, err
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: create manifest: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Manifest{}, fmt.Errorf("%w: write manifest: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return Manifest{}, fmt.Errorf("%w: close manifest: %v", ErrIOFailure, err)
	}

	// First writer wins; everyone else compares against what it published.
	if err := filex.RenameNoReplace(tmpPath, manifestPath); err != nil {
		if !errors.Is(err, filex.ErrExists) {
			return Manifest{}, fmt.Errorf("%w: publish manifest: %v", ErrIOFailure, err)
		}
		existing, err := readManifest(manifestPath)
		if err != nil {
			return Manifest{}, err
		}
		return checkShape(existing, m)
	}
	return m, nil
}

// WritePart stores the part at ordinal, replacing any earlier write for the
// same ordinal. Readers never observe a partially written part.
func (cs *ChunkStore) WritePart(id string, ordinal int, r io.Reader) (int64, error) {
	if ordinal < 0 {
		return 0, fmt.Errorf("invalid ordinal %d", ordinal)
	}
	dir, err := cs.sessionDir(id)
	if err != nil {
		return 0, err
	}

	pending, err := renameio.TempFile(dir, partPath(dir, ordinal))
	if err != nil {
		return 0, fmt.Errorf("%w: create part %d: %v", ErrIOFailure, ordinal, err)
	}
	defer pending.Cleanup()

	n, err := io.Copy(pending, r)
	if err != nil {
		return 0, fmt.Errorf("%w: write part %d: %v", ErrIOFailure, ordinal, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("%w: commit part %d: %v", ErrIOFailure, ordinal, err)
	}
	return n, nil
}

// Received counts distinct ordinals in [0, parts) that are on disk.
func (cs *ChunkStore) Received(id string, parts int) (int, error) {
	dir, err := cs.sessionDir(id)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: list session: %v", ErrIOFailure, err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), partPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), partPrefix))
		if err != nil || n < 0 || n >= parts {
			continue
		}
		count++
	}
	return count, nil
}

// IsComplete reports whether every ordinal in [0, parts) has arrived. It is
// independent of arrival order.
func (cs *ChunkStore) IsComplete(id string, parts int) (bool, error) {
	if parts <= 0 {
		return false, nil
	}
	n, err := cs.Received(id, parts)
	if err != nil {
		return false, err
	}
	return n == parts, nil
}

// Reassemble concatenates parts in ordinal order into dst while hashing. The
// assembled file is never read back. On failure dst is removed.
func (cs *ChunkStore) Reassemble(ctx context.Context, id string, parts int, dst string, limit int64) (*Assembled, error) {
	dir, err := cs.sessionDir(id)
	if err != nil {
		return nil, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIOFailure, dst, err)
	}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			os.Remove(dst)
		}
	}()

	hasher, err := fingerprint.New(cs.alg)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = math.MaxInt64
	}
	head := &headWriter{max: HeadSize}
	w := &limitWriter{w: io.MultiWriter(out, hasher, head), remaining: limit}

	for i := 0; i < parts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := appendPart(w, partPath(dir, i)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: part %d vanished", ErrIncompleteUpload, i)
			}
			if errors.Is(err, errLimit) {
				return nil, ErrOversized
			}
			return nil, fmt.Errorf("%w: append part %d: %v", ErrIOFailure, i, err)
		}
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %v", ErrIOFailure, dst, err)
	}
	ok = true

	return &Assembled{
		Path:        dst,
		Size:        hasher.Size(),
		Fingerprint: hasher.Digest(),
		Head:        head.buf.Bytes(),
	}, nil
}

// Workdir returns a scratch directory inside the session, created on demand.
// It disappears with the session on Discard.
func (cs *ChunkStore) Workdir(id, name string) (string, error) {
	dir, err := cs.sessionDir(id)
	if err != nil {
		return "", err
	}
	work := filepath.Join(dir, workPrefix+name)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return "", fmt.Errorf("%w: create workdir: %v", ErrIOFailure, err)
	}
	return work, nil
}

// Discard removes the session and everything beneath it. Unknown sessions
// are not an error.
func (cs *ChunkStore) Discard(id string) error {
	dir, err := cs.sessionDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: discard session %s: %v", ErrIOFailure, id, err)
	}
	return nil
}

// Abandoned lists sessions whose directory has not changed since cutoff.
func (cs *ChunkStore) Abandoned(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(cs.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !sessionIDPattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ValidSessionID reports whether id is usable as a staging directory name.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func (cs *ChunkStore) sessionDir(id string) (string, error) {
	if !sessionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return filepath.Join(cs.root, id), nil
}

func partPath(dir string, ordinal int) string {
	return filepath.Join(dir, partPrefix+strconv.Itoa(ordinal))
}

func appendPart(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, err
		}
		return Manifest{}, fmt.Errorf("%w: read manifest: %v", ErrIOFailure, err)
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: corrupt manifest: %v", ErrSessionConflict, err)
	}
	return m, nil
}

func checkShape(existing, requested Manifest) (Manifest, error) {
	if !existing.sameShape(requested) {
		return existing, fmt.Errorf("%w: have %d parts of %q (%s), got %d parts of %q (%s)",
			ErrSessionConflict, existing.Parts, existing.Filename, existing.Mode,
			requested.Parts, requested.Filename, requested.Mode)
	}
	return existing, nil
}

var errLimit = errors.New("write limit exceeded")

type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errLimit
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

type headWriter struct {
	buf bytes.Buffer
	max int
}

func (h *headWriter) Write(p []byte) (int, error) {
	if room := h.max - h.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf.Write(p[:room])
	}
	return len(p), nil
}
