// Package hashverify implements HashVerifier: streaming SHA-256 of a
// file compared case-insensitively against a published hex digest.
package hashverify

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/bfix/torsupervisor/torerr"
)

const bufSize = 1 << 20 // 1 MiB, per spec's streaming buffer size

// Sha256OfFile streams path through SHA-256 and returns its 64-hex digest.
func Sha256OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", torerr.New(torerr.KindIntegrity, torerr.ErrSha256Mismatch, "opening %s: %v", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", torerr.New(torerr.KindIntegrity, torerr.ErrSha256Mismatch, "reading %s: %v", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether path's SHA-256 matches wantHex, case-insensitively.
func Verify(path, wantHex string) (bool, error) {
	got, err := Sha256OfFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, wantHex), nil
}
