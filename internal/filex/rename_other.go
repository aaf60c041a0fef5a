//go:build !linux

package filex

func renameNoReplace(src, dst string) error {
	return linkRename(src, dst)
}
