// Package filex holds small filesystem primitives shared by the staging
// area and the permanent store.
package filex

import (
	"errors"
	"fmt"
	"os"
)

// ErrExists is returned by RenameNoReplace when the destination is taken.
var ErrExists = errors.New("destination already exists")

// RenameNoReplace moves src to dst only if dst does not exist. The check and
// the move happen in a single step, so two callers racing for the same dst
// cannot both succeed.
func RenameNoReplace(src, dst string) error {
	err := renameNoReplace(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return ErrExists
	}
	return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
}

// linkRename is the portable fallback: a hard link fails if dst exists,
// after which the source name is removed.
func linkRename(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
