package core

// Node is an entry of a Filetree: a *File or a *Dir.
type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

// Size is the file size observed when the tree was built.
func (f *File) Size() int64 {
	return f.size
}

// Dir returns the containing directory, or nil for a lone file.
func (f *File) Dir() *Dir {
	return f.dir
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}

func (d *Dir) Parent() *Dir {
	return d.parent
}
