package core

import (
	"fmt"
	"io"
	"os"
)

// Upload modes understood by the server.
const (
	ModeFile    = "file"
	ModeArchive = "archive"
)

// Payload is what actually goes over the wire: a lone file as-is, or
// anything else zipped into a temporary archive.
type Payload struct {
	Name      string
	Mode      string
	Size      int64
	File      *os.File
	Files     int
	temp      bool
}

// NewPayload prepares ft for upload. Archives are written to a temporary
// file in tmpDir (the system default when empty). Close releases it.
func NewPayload(ft *Filetree, tmpDir string) (*Payload, error) {
	p := &Payload{Files: len(ft.Files())}

	if f, ok := ft.Root.(*File); ok {
		file, err := os.Open(f.Path())
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Path(), err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("stat %s: %w", f.Path(), err)
		}
		p.Name, p.Mode, p.Size, p.File = f.Name(), ModeFile, info.Size(), file
		return p, nil
	}

	tmp, err := os.CreateTemp(tmpDir, "notekeep-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	fail := func(err error) (*Payload, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := ft.WriteZip(tmp); err != nil {
		return fail(err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fail(fmt.Errorf("size temp archive: %w", err))
	}

	p.Name, p.Mode, p.Size, p.File, p.temp = ft.ZipName(), ModeArchive, size, tmp, true
	return p, nil
}

// Close closes the payload file and removes it if it was temporary.
func (p *Payload) Close() error {
	err := p.File.Close()
	if p.temp {
		if rerr := os.Remove(p.File.Name()); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
