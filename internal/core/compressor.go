package core

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zip"
)

// WriteZip streams the tree to w as a zip archive. Entry names are
// slash-separated and rooted at the tree's top directory.
func (ft *Filetree) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)

	if err := compressNode(zw, ft.Root, ""); err != nil {
		zw.Close()
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

// ZipName is the upload name used when the tree is sent as an archive.
func (ft *Filetree) ZipName() string {
	return ft.Root.Name() + ".zip"
}

func compressNode(zw *zip.Writer, node Node, basePath string) error {
	archivePath := path.Join(basePath, node.Name())

	switch n := node.(type) {
	case *File:
		return addFileToZip(zw, n.Path(), archivePath)
	case *Dir:
		for _, child := range n.Children() {
			if err := compressNode(zw, child, archivePath); err != nil {
				return err
			}
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}

// UncompressedSize sums the sizes of all files as they were when the tree
// was built.
func (ft *Filetree) UncompressedSize() int64 {
	var total int64
	for _, f := range ft.Files() {
		total += f.Size()
	}
	return total
}
