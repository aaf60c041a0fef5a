package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrEmptyTree is returned when nothing uploadable was found.
var ErrEmptyTree = errors.New("no files to upload")

// junk names are left out of uploads; the server would drop them anyway.
var junk = map[string]bool{
	".DS_Store": true,
	"__MACOSX":  true,
	"Thumbs.db": true,
	".git":      true,
}

type Filetree struct {
	Root Node
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	return buildFiletree(paths, time.Now())
}

func buildFiletree(paths []ParsedPath, now time.Time) (*Filetree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
			continue
		}
		info, err := os.Stat(parsedPath.FullPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", parsedPath.FullPath, err)
		}
		rootNodes = append(rootNodes, &File{
			path: parsedPath.FullPath,
			name: filepath.Base(parsedPath.FullPath),
			size: info.Size(),
		})
	}

	if len(rootNodes) == 0 {
		return nil, ErrEmptyTree
	}

	// determine root
	var root Node
	if len(rootNodes) == 1 {
		root = rootNodes[0]
	} else {
		root = createVirtualRoot(rootNodes, now)
	}

	ft := &Filetree{Root: root}
	if len(ft.Files()) == 0 {
		return nil, ErrEmptyTree
	}
	return ft, nil
}

func buildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if junk[entry.Name()] {
			continue
		}
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
		// sockets, devices and symlinks inside a tree are skipped
	}

	return dir, nil
}

func createVirtualRoot(children []Node, now time.Time) *Dir {
	name := "notes_upload_" + now.Format("2006_01_02_150405")
	virtualRoot := &Dir{
		path:     name,
		name:     name,
		children: children,
	}

	for _, child := range children {
		switch n := child.(type) {
		case *Dir:
			n.parent = virtualRoot
		case *File:
			n.dir = virtualRoot
		}
	}

	return virtualRoot
}

// FlattenTree lists every node depth-first, parents before children.
func (ft *Filetree) FlattenTree() []Node {
	var out []Node
	var walk func(Node)
	walk = func(n Node) {
		out = append(out, n)
		if d, ok := n.(*Dir); ok {
			for _, c := range d.children {
				walk(c)
			}
		}
	}
	walk(ft.Root)
	return out
}

// Files lists the regular files of the tree in archive order.
func (ft *Filetree) Files() []*File {
	var files []*File
	for _, n := range ft.FlattenTree() {
		if f, ok := n.(*File); ok {
			files = append(files, f)
		}
	}
	return files
}

// IsSingleFile reports whether the tree is one file, uploaded as-is.
func (ft *Filetree) IsSingleFile() bool {
	_, ok := ft.Root.(*File)
	return ok
}
