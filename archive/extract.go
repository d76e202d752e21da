// Package archive implements ArchiveExtractor: extraction of a
// .tar.gz bundle via whichever platform tar binary is available,
// passing GNU tar the flags that stop it restoring archive
// ownership/permission bits (see buildArgs for BSD tar).
package archive

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/bfix/torsupervisor/torerr"
)

const defaultTimeout = 10 * time.Minute

// Extractor runs the platform tar binary.
type Extractor struct {
	Timeout time.Duration
}

func New() *Extractor {
	return &Extractor{Timeout: defaultTimeout}
}

var gnuVersionRE = regexp.MustCompile(`(?i)gnu tar`)

// isGNU probes `tar --version` output to choose the right flag set.
func isGNU(ctx context.Context, tarPath string) bool {
	out, err := exec.CommandContext(ctx, tarPath, "--version").CombinedOutput()
	if err != nil {
		return runtime.GOOS == "linux"
	}
	return gnuVersionRE.Match(out)
}

// Extract unpacks tarGzPath into destDir, creating destDir if absent.
func (e *Extractor) Extract(ctx context.Context, tarGzPath, destDir string) error {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tarPath, err := locateTar()
	if err != nil {
		return torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "%v", err)
	}

	src := tarGzPath
	if runtime.GOOS == "windows" && isGNU(ctx, tarPath) {
		src = toMSYSPath(tarGzPath)
		destDir = toMSYSPath(destDir)
	}

	args := buildArgs(isGNU(ctx, tarPath), src, destDir)
	cmd := exec.CommandContext(ctx, tarPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "timed out after %s", timeout)
		}
		return torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func locateTar() (string, error) {
	name := "tar"
	if runtime.GOOS == "windows" {
		name = "tar.exe"
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return p, nil
}

// buildArgs constructs tar flags. Both GNU and BSD tar get -xzf into
// -C dest; only GNU tar is also passed --no-same-owner and
// --no-same-permissions. BSD tar gets no extra flags, so it follows its
// own defaults: archive ownership and permissions are not restored when
// it runs as a non-root user, and are restored when it runs as root.
func buildArgs(gnu bool, src, destDir string) []string {
	args := []string{"-xzf", src, "-C", destDir}
	if gnu {
		args = append(args, "--no-same-owner", "--no-same-permissions")
	}
	return args
}

// toMSYSPath rewrites a Windows drive-letter path (C:\foo\bar) into the
// MSYS form GNU tar-on-Windows expects (/c/foo/bar).
func toMSYSPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(string(p[0]))
		return "/" + drive + p[2:]
	}
	return p
}
