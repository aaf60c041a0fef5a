package typecheck

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
	gifHeader  = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00")
	plainText  = []byte("just some plain text, certainly not an image\n")
)

func TestValidator_Check(t *testing.T) {
	v := New(DefaultPolicy())

	tests := []struct {
		name     string
		filename string
		sample   []byte
		allowed  bool
	}{
		{"png with png bytes", "photo.png", pngHeader, true},
		{"upper-case extension", "PHOTO.PNG", pngHeader, true},
		{"jpg with jpeg bytes", "photo.jpg", jpegHeader, true},
		{"jpeg with jpeg bytes", "photo.jpeg", jpegHeader, true},
		{"gif with gif bytes", "anim.gif", gifHeader, true},
		{"jpg with text bytes", "fake.jpg", plainText, false},
		{"png with jpeg bytes", "mixed.png", jpegHeader, false},
		{"image without sample", "photo.png", nil, false},
		{"pdf is not cross-checked", "doc.pdf", plainText, true},
		{"txt without sample", "notes.txt", nil, true},
		{"executable allowed by default", "setup.exe", []byte("MZ"), true},
		{"unknown extension", "script.sh", plainText, false},
		{"no extension", "Makefile", plainText, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.IsAllowed(tt.filename, tt.sample); got != tt.allowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.filename, got, tt.allowed)
			}
			err := v.Check(tt.filename, tt.sample)
			if !tt.allowed && !errors.Is(err, ErrInvalidType) {
				t.Errorf("expected ErrInvalidType, got %v", err)
			}
		})
	}
}

func TestValidator_ExecutablesAreConfigurable(t *testing.T) {
	p := DefaultPolicy()
	p.AllowExecutables = false
	v := New(p)

	for _, name := range []string{"setup.exe", "installer.msi", "app.apk", "disk.dmg", "image.iso"} {
		if v.IsAllowed(name, []byte("binary")) {
			t.Errorf("%s should be rejected when executables are disabled", name)
		}
	}
	if !v.IsAllowed("report.pdf", nil) {
		t.Error("documents should remain allowed")
	}
}

func TestValidator_CustomPolicy(t *testing.T) {
	v := New(Policy{
		Allowed: []string{"CSV", ".png"},
		Strict:  map[string][]string{"png": {"image/png"}},
	})

	if !v.IsAllowed("data.csv", nil) {
		t.Error("expected normalized extension csv to be allowed")
	}
	if v.IsAllowed("fake.png", plainText) {
		t.Error("expected normalized strict table to apply to png")
	}
	if got := v.Allowed(); len(got) != 2 || got[0] != ".csv" || got[1] != ".png" {
		t.Errorf("unexpected allow-list %v", got)
	}
}

func TestCheckExtension(t *testing.T) {
	v := New(DefaultPolicy())
	if err := v.CheckExtension("fake.jpg"); err != nil {
		t.Errorf("extension-only check should not inspect content, got %v", err)
	}
	if err := v.CheckExtension("evil.sh"); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
}

func TestIsArchive(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create("a.txt")
	f.Write([]byte("hello"))
	w.Close()

	if !IsArchive("bundle.zip", buf.Bytes()) {
		t.Error("expected zip bytes with .zip extension to be an archive")
	}
	if IsArchive("bundle.zip", plainText) {
		t.Error("text bytes are not an archive")
	}
	if IsArchive("bundle.rar", buf.Bytes()) {
		t.Error("only .zip is exploded")
	}
}

func TestIsImage(t *testing.T) {
	v := New(DefaultPolicy())
	if !v.IsImage("a.JPG") || v.IsImage("a.pdf") {
		t.Error("IsImage misclassified extensions")
	}

	p := DefaultPolicy()
	p.Allowed = append([]string{".webp"}, p.Allowed...)
	p.Strict = map[string][]string{".webp": {"image/webp"}}
	v = New(p)
	if !v.IsImage("a.webp") || v.IsImage("a.png") {
		t.Error("IsImage should follow the policy's strict table")
	}
}
