// Package typecheck decides whether an upload's declared extension is
// acceptable and, for preview-sensitive image types, whether its leading
// bytes actually look like that type.
package typecheck

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrInvalidType is returned when a file fails the allow-list or the
// sniffed-content cross-check.
var ErrInvalidType = errors.New("file type not allowed")

var (
	// DefaultAllowed lists the extensions accepted out of the box.
	DefaultAllowed = []string{
		".png", ".jpg", ".jpeg", ".gif",
		".pdf", ".txt", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".md",
		".zip", ".rar", ".7z",
		".mp4", ".mov", ".avi", ".mp3",
	}

	// DefaultExecutables are only accepted when a policy opts in.
	DefaultExecutables = []string{".exe", ".msi", ".apk", ".dmg", ".iso"}

	// DefaultStrict maps image extensions to the content types their bytes
	// must sniff as. Images are rendered inline, so a mismatch is rejected.
	DefaultStrict = map[string][]string{
		".png":  {"image/png"},
		".jpg":  {"image/jpeg"},
		".jpeg": {"image/jpeg"},
		".gif":  {"image/gif"},
	}
)

// Policy configures a Validator.
type Policy struct {
	Allowed          []string
	Executables      []string
	AllowExecutables bool
	Strict           map[string][]string
}

// DefaultPolicy returns the stock allow-list with executables permitted.
func DefaultPolicy() Policy {
	return Policy{
		Allowed:          DefaultAllowed,
		Executables:      DefaultExecutables,
		AllowExecutables: true,
		Strict:           DefaultStrict,
	}
}

// Validator applies a Policy. It is immutable and safe for concurrent use.
type Validator struct {
	allowed map[string]struct{}
	strict  map[string][]string
}

// New builds a Validator from p.
func New(p Policy) *Validator {
	v := &Validator{
		allowed: make(map[string]struct{}),
		strict:  make(map[string][]string),
	}
	for _, ext := range p.Allowed {
		v.allowed[normalizeExt(ext)] = struct{}{}
	}
	if p.AllowExecutables {
		for _, ext := range p.Executables {
			v.allowed[normalizeExt(ext)] = struct{}{}
		}
	}
	for ext, types := range p.Strict {
		v.strict[normalizeExt(ext)] = types
	}
	return v
}

// Extension returns the lower-cased extension of filename, including the dot.
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(strings.ReplaceAll(filename, "\\", "/")))
}

// CheckExtension applies only the allow-list. It needs no content, so it
// can run before any bytes have arrived.
func (v *Validator) CheckExtension(filename string) error {
	ext := Extension(filename)
	if ext == "" {
		return fmt.Errorf("%w: %q has no extension", ErrInvalidType, filename)
	}
	if _, ok := v.allowed[ext]; !ok {
		return fmt.Errorf("%w: extension %s", ErrInvalidType, ext)
	}
	return nil
}

// Check applies the allow-list and, for strict extensions, the sniffed
// content cross-check against sample (the leading bytes of the file).
func (v *Validator) Check(filename string, sample []byte) error {
	if err := v.CheckExtension(filename); err != nil {
		return err
	}
	ext := Extension(filename)
	expected, strict := v.strict[ext]
	if !strict {
		return nil
	}
	if len(sample) == 0 {
		return fmt.Errorf("%w: no content to verify %s", ErrInvalidType, ext)
	}
	detected := mimetype.Detect(sample)
	for _, want := range expected {
		if detected.Is(want) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s content sniffed as %s", ErrInvalidType, ext, detected.String())
}

// IsAllowed is the boolean form of Check.
func (v *Validator) IsAllowed(filename string, sample []byte) bool {
	return v.Check(filename, sample) == nil
}

// IsArchive reports whether the file is a zip container by both name
// and content.
func IsArchive(filename string, sample []byte) bool {
	if Extension(filename) != ".zip" || len(sample) == 0 {
		return false
	}
	// An archive with no entries is just the end-of-central-directory record.
	if bytes.HasPrefix(sample, []byte("PK\x05\x06")) {
		return true
	}
	// Office documents and jars are zips too; accept any descendant.
	for m := mimetype.Detect(sample); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// IsImage reports whether filename's extension is in the strict table, so
// its stored bytes were verified to be that image type.
func (v *Validator) IsImage(filename string) bool {
	_, ok := v.strict[Extension(filename)]
	return ok
}

// Allowed returns the sorted allow-list, mostly for logging.
func (v *Validator) Allowed() []string {
	out := make([]string, 0, len(v.allowed))
	for ext := range v.allowed {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
