package core

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

func (k PathKind) String() string {
	if k == PathDir {
		return "dir"
	}
	return "file"
}

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseArgs checks the command-line paths to upload. Symlinks are followed;
// anything that is neither a regular file nor a directory is rejected, and a
// path named twice is kept once.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath
	seen := make(map[string]bool, len(args))

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		switch {
		case info.IsDir():
			kind = PathDir
		case !info.Mode().IsRegular():
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}
