//go:build !windows

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetExecutable sets owner/group/other execute bits on path.
func SetExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode().Perm() | 0o111
	return unix.Chmod(path, uint32(mode))
}

// IsExecutable reports whether path has any POSIX execute bit set.
func IsExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
