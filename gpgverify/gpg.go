// Package gpgverify implements SignatureVerifier: discovery of an
// external OpenPGP tool, WKD key bootstrap, pinned-keyring export, and
// status-fd parsing of `gpg --verify`/`gpgv` output. This deliberately
// shells out rather than using a native OpenPGP library (unlike
// bfix-gospel's crypto/openpgp.go) because the verification model here
// is process-exec plus machine-readable status parsing.
package gpgverify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bfix/torsupervisor/torerr"
)

const (
	defaultTimeout  = 60 * time.Second
	pinnedKeyringFile = "tor.keyring"
	wkdLocateArgs   = "nodefault,wkd"
	signerEmail     = "torbrowser@torproject.org"
)

// Result is the structured, never-thrown outcome of a verification
// attempt.
type Result struct {
	Warning torerr.Warning
	OK      bool
}

// Verifier locates and invokes an external gpg/gpgv binary.
type Verifier struct {
	GnupgHome string
	Timeout   time.Duration
	binOverride string
}

// New builds a Verifier rooted at gnupgHome (created on demand), honoring
// an APP_GPG_BIN override read from the environment.
func New(gnupgHome string) *Verifier {
	return &Verifier{
		GnupgHome:   gnupgHome,
		Timeout:     defaultTimeout,
		binOverride: os.Getenv("APP_GPG_BIN"),
	}
}

type tool struct {
	path    string
	isFull  bool // true: gpg, false: gpgv
}

// locate implements the cascade: APP_GPG_BIN override, then PATH gpg,
// then PATH gpgv, then well-known platform install paths.
func (v *Verifier) locate() *tool {
	if v.binOverride != "" {
		if fi, err := os.Stat(v.binOverride); err == nil && !fi.IsDir() {
			return &tool{path: v.binOverride, isFull: strings.Contains(filepath.Base(v.binOverride), "gpgv") == false}
		}
	}
	if p, err := exec.LookPath("gpg"); err == nil {
		return &tool{path: p, isFull: true}
	}
	if p, err := exec.LookPath("gpgv"); err == nil {
		return &tool{path: p, isFull: false}
	}
	for _, p := range wellKnownPaths() {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return &tool{path: p, isFull: strings.Contains(filepath.Base(p), "gpgv") == false}
		}
	}
	return nil
}

func wellKnownPaths() []string {
	return []string{
		"/usr/bin/gpg",
		"/usr/local/bin/gpg",
		"/opt/homebrew/bin/gpg",
		"C:\\Program Files (x86)\\GnuPG\\bin\\gpg.exe",
		"/usr/bin/gpgv",
		"/usr/local/bin/gpgv",
	}
}

func (v *Verifier) keyringPath() string {
	return filepath.Join(v.GnupgHome, pinnedKeyringFile)
}

// Verify checks sigPath as a detached signature over dataPath. On the
// full-gpg path it accepts only signers whose fingerprint (or primary
// fingerprint) appears in allowFingerprints, case-insensitively; on the
// gpgv path it accepts any signature valid against the pinned keyring
// and does not check allowFingerprints. It never returns a Go error for
// a verification failure — those are reported through Result.Warning.
// A non-nil error means the call could not be attempted at all (bad
// arguments, context canceled).
func (v *Verifier) Verify(ctx context.Context, dataPath, sigPath string, allowFingerprints []string) (Result, error) {
	if err := os.MkdirAll(v.GnupgHome, 0o700); err != nil {
		return Result{}, err
	}
	t := v.locate()
	if t == nil {
		return Result{Warning: torerr.Warning{Code: torerr.WarnNotInstalled}}, nil
	}

	timeout := v.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !t.isFull {
		if _, err := os.Stat(v.keyringPath()); err == nil {
			return v.verifyWithGpgv(ctx, t.path, dataPath, sigPath, allowFingerprints)
		}
		// No pinned keyring yet: bootstrap via a full gpg if one also
		// exists on PATH, then fall through to gpgv verification.
		if fullPath, err := exec.LookPath("gpg"); err == nil {
			if werr := v.bootstrapWKD(ctx, fullPath); werr != nil {
				return Result{Warning: torerr.Warning{Code: torerr.WarnNoKey, Message: werr.Error()}}, nil
			}
			if err := v.exportPinnedKeyring(ctx, fullPath); err != nil {
				return Result{Warning: torerr.Warning{Code: torerr.WarnNoKey, Message: err.Error()}}, nil
			}
			return v.verifyWithGpgv(ctx, t.path, dataPath, sigPath, allowFingerprints)
		}
		return Result{Warning: torerr.Warning{Code: torerr.WarnNoKey, Message: "no pinned keyring and no full gpg to bootstrap one"}}, nil
	}

	if err := v.bootstrapWKD(ctx, t.path); err != nil {
		return Result{Warning: torerr.Warning{Code: torerr.WarnNoKey, Message: err.Error()}}, nil
	}
	res, err := v.verifyWithGpg(ctx, t.path, dataPath, sigPath, allowFingerprints)
	if err != nil {
		return Result{}, err
	}
	if res.OK {
		if exportErr := v.exportPinnedKeyring(ctx, t.path); exportErr == nil {
			res.Warning = torerr.Warning{Code: torerr.WarnVerifiedPinnedKeyring}
		}
	}
	return res, nil
}

// bootstrapWKD performs a one-time key fetch via Web Key Directory.
func (v *Verifier) bootstrapWKD(ctx context.Context, gpgPath string) error {
	cmd := exec.CommandContext(ctx, gpgPath,
		"--homedir", v.GnupgHome,
		"--batch",
		"--auto-key-locate", wkdLocateArgs,
		"--locate-keys", signerEmail,
	)
	return cmd.Run()
}

// exportPinnedKeyring exports the current keyring into the gpgv-format
// pinned keyring file for future offline verifications.
func (v *Verifier) exportPinnedKeyring(ctx context.Context, gpgPath string) error {
	out, err := exec.CommandContext(ctx, gpgPath,
		"--homedir", v.GnupgHome,
		"--batch",
		"--export",
		signerEmail,
	).Output()
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return errors.New("empty keyring export")
	}
	return os.WriteFile(v.keyringPath(), out, 0o600)
}

var (
	goodsigRE = regexp.MustCompile(`^\[GNUPG:\]\s+GOODSIG\s+`)
	validsigRE = regexp.MustCompile(`^\[GNUPG:\]\s+VALIDSIG\s+(\S+)(?:\s+\S+){8}\s+(\S+)\s*$`)
)

// verifyWithGpg runs `gpg --batch --status-fd 1 --verify` and parses its
// machine-readable status lines per the spec's GOODSIG/VALIDSIG rule.
func (v *Verifier) verifyWithGpg(ctx context.Context, gpgPath, dataPath, sigPath string, allow []string) (Result, error) {
	cmd := exec.CommandContext(ctx, gpgPath,
		"--homedir", v.GnupgHome,
		"--batch",
		"--status-fd", "1",
		"--verify", sigPath, dataPath,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	runErr := cmd.Run()

	haveGoodsig := false
	var fingerprints []string
	scanner := bufio.NewScanner(bytes.NewReader(stdout.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if goodsigRE.MatchString(line) {
			haveGoodsig = true
		}
		if m := validsigRE.FindStringSubmatch(line); m != nil {
			fingerprints = append(fingerprints, m[1], m[2])
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Warning: torerr.Warning{Code: torerr.WarnTimeoutOrError}}, nil
	}
	if !haveGoodsig {
		if runErr != nil {
			return Result{Warning: torerr.Warning{Code: torerr.WarnBadSignature, Message: runErr.Error()}}, nil
		}
		return Result{Warning: torerr.Warning{Code: torerr.WarnBadSignature}}, nil
	}
	if !fingerprintAllowed(fingerprints, allow) {
		return Result{Warning: torerr.Warning{Code: torerr.WarnUnexpectedSigner}}, nil
	}
	return Result{OK: true, Warning: torerr.Warning{Code: torerr.WarnVerified}}, nil
}

// verifyWithGpgv runs gpgv against the pinned keyring. gpgv has no
// status-fd protocol as rich as gpg's; its exit code is authoritative.
func (v *Verifier) verifyWithGpgv(ctx context.Context, gpgvPath, dataPath, sigPath string, allow []string) (Result, error) {
	cmd := exec.CommandContext(ctx, gpgvPath,
		"--homedir", v.GnupgHome,
		"--keyring", v.keyringPath(),
		sigPath, dataPath,
	)
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Warning: torerr.Warning{Code: torerr.WarnTimeoutOrError}}, nil
	}
	if err != nil {
		return Result{Warning: torerr.Warning{Code: torerr.WarnBadSignature, Message: err.Error()}}, nil
	}
	// gpgv alone can't report the fingerprint; trusting a pinned,
	// previously-allow-listed keyring export is the model's basis for
	// offline verification, so no further fingerprint re-check is
	// performed here.
	_ = allow
	return Result{OK: true, Warning: torerr.Warning{Code: torerr.WarnVerifiedPinnedKeyring}}, nil
}

func fingerprintAllowed(have, allow []string) bool {
	for _, h := range have {
		for _, a := range allow {
			if strings.EqualFold(h, a) {
				return true
			}
		}
	}
	return false
}
