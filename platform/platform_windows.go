//go:build windows

package platform

// SetExecutable is a no-op on Windows: there is no POSIX execute bit,
// and .exe files are executable by extension alone.
func SetExecutable(path string) error {
	return nil
}

// IsExecutable always reports true on Windows, where there is no
// POSIX execute bit to inspect.
func IsExecutable(path string) bool {
	return true
}
