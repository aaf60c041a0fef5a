package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"notekeep/internal/filex"
	"notekeep/internal/server/fingerprint"
)

// maxPlaceAttempts bounds the _1, _2, ... disambiguation walk.
const maxPlaceAttempts = 10000

var (
	ErrInvalidName = errors.New("invalid storage name")
	ErrNotFound    = errors.New("stored file not found")
	ErrIOFailure   = errors.New("storage i/o failure")
)

// Store defines the interface for the permanent artifact store.
type Store interface {
	Place(src, name string) (string, error)
	Open(name string) (*os.File, error)
	Path(name string) (string, error)
	Delete(name string) error
	Exists(name string) bool
	EnsureDir() error
}

// FileSystemStore keeps artifacts as flat files in one directory.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Place moves the file at src into the store under name, or under the first
// free name_1.ext, name_2.ext, ... if name is taken. It returns the name
// actually used. An existing file is never overwritten, even by a
// concurrent Place for the same name.
func (fs *FileSystemStore) Place(src, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	from := src
	copied := false

	for i := 0; i < maxPlaceAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = base + "_" + strconv.Itoa(i) + ext
		}

		err := filex.RenameNoReplace(from, fs.filePath(candidate))
		if err == nil {
			if copied {
				os.Remove(src)
			}
			return candidate, nil
		}
		if errors.Is(err, filex.ErrExists) {
			continue
		}
		if errors.Is(err, syscall.EXDEV) && !copied {
			// Staging lives on another filesystem; copy in once and keep
			// placing the local copy.
			tmp, cerr := fs.copyIn(src)
			if cerr != nil {
				return "", cerr
			}
			from, copied = tmp, true
			i--
			continue
		}
		if copied {
			os.Remove(from)
		}
		return "", fmt.Errorf("%w: place %s: %v", ErrIOFailure, candidate, err)
	}

	if copied {
		os.Remove(from)
	}
	return "", fmt.Errorf("%w: no free name for %s after %d attempts", ErrIOFailure, name, maxPlaceAttempts)
}

// Open opens a stored file for reading.
func (fs *FileSystemStore) Open(name string) (*os.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(fs.filePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOFailure, name, err)
	}
	return f, nil
}

// Path returns the absolute path to a stored file.
// Returns an error if the file does not exist.
func (fs *FileSystemStore) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	filePath := fs.filePath(name)

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	return filePath, nil
}

// Exists reports whether name is present in the store.
func (fs *FileSystemStore) Exists(name string) bool {
	_, err := fs.Path(name)
	return err == nil
}

// Delete removes a stored file. Missing files are not an error.
func (fs *FileSystemStore) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	filePath := fs.filePath(name)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(name string) string {
	return filepath.Join(fs.basePath, name)
}

func (fs *FileSystemStore) copyIn(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrIOFailure, src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(fs.basePath, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp: %v", ErrIOFailure, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: copy %s: %v", ErrIOFailure, src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: close temp: %v", ErrIOFailure, err)
	}
	return tmp.Name(), nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// maxBaseLen keeps derived names well below common filename limits.
const maxBaseLen = 100

// shortHexLen is how much of the digest goes into a derived name.
const shortHexLen = 16

// Sanitize reduces a filename stem to [A-Za-z0-9._-], collapsing runs of
// anything else into a single underscore.
func Sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if len(s) > maxBaseLen {
		s = s[:maxBaseLen]
	}
	return s
}

// NormalizeName flattens a relative path into a single storage name, folding
// separators and unsafe characters into underscores and keeping the extension.
func NormalizeName(relPath string) string {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	ext := strings.ToLower(filepath.Ext(relPath))
	if ext == "." || unsafeChars.MatchString(ext[min(1, len(ext)):]) {
		ext = ""
	}
	stem := Sanitize(strings.TrimSuffix(relPath, filepath.Ext(relPath)))
	if stem == "" {
		stem = "file"
	}
	return stem + ext
}

// DeriveName builds the deterministic storage name for content with the
// given fingerprint: <sanitized stem>_<short digest><ext>.
func DeriveName(fp fingerprint.Fingerprint, original string) string {
	original = filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "." || unsafeChars.MatchString(ext[min(1, len(ext)):]) {
		ext = ""
	}
	stem := Sanitize(strings.TrimSuffix(original, filepath.Ext(original)))
	if stem == "" {
		stem = "file"
	}
	return stem + "_" + fp.Short(shortHexLen) + ext
}
