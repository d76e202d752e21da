// Package platform centralizes the OS/arch forks that otherwise recur
// across the installer, the supervisor and the archive extractor:
// token naming, executable suffix, loader environment variable, and
// executable-bit handling. SetExecutable/IsExecutable are split into
// platform_unix.go and platform_windows.go since only the former needs
// golang.org/x/sys/unix.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// OSToken returns the distribution-index OS token for the running host.
func OSToken() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// ArchToken returns the distribution-index architecture token.
func ArchToken() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}

// Pair is the "<os>-<arch>" install-tree directory component.
func Pair() string {
	return fmt.Sprintf("%s-%s", OSToken(), ArchToken())
}

// ExeName appends the platform executable suffix to base.
func ExeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// LoaderEnvVar returns the dynamic-loader search-path environment
// variable name for the running platform.
func LoaderEnvVar() string {
	switch runtime.GOOS {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// AugmentEnv returns a copy of env with bundleRoot/lib prepended to the
// platform loader variable, if that directory exists.
func AugmentEnv(env []string, bundleRoot string) []string {
	libDir := filepath.Join(bundleRoot, "lib")
	if fi, err := os.Stat(libDir); err != nil || !fi.IsDir() {
		return env
	}
	varName := LoaderEnvVar()
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, varName+"=") {
			found = true
			sep := string(os.PathListSeparator)
			out = append(out, varName+"="+libDir+sep+strings.TrimPrefix(kv, varName+"="))
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, varName+"="+libDir)
	}
	return out
}

// IsDebugPath reports whether p looks like a debug-symbol path that
// the installer's binary locator must reject.
func IsDebugPath(p string) bool {
	lower := strings.ToLower(filepath.ToSlash(p))
	for _, frag := range []string{"/debug/", "/.build-id/", "/usr/lib/debug/"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return strings.HasSuffix(lower, ".debug")
}
