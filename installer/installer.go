// Package installer implements Installer: discover the latest bundle
// version from a distribution index, fetch and verify its checksums
// and signature, download and hash-verify the bundle, then extract it
// atomically under an install-tree lock.
//
// The version-index scrape is grounded on apimgr-vidveil's goquery-based
// parser package; the lock file mechanics are grounded on
// starius-barterbackup's acquireDirLock, swapped to starius/flock.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/starius/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bfix/torsupervisor/archive"
	"github.com/bfix/torsupervisor/gpgverify"
	"github.com/bfix/torsupervisor/hashverify"
	"github.com/bfix/torsupervisor/httpfetch"
	"github.com/bfix/torsupervisor/platform"
	"github.com/bfix/torsupervisor/torerr"
	"github.com/bfix/torsupervisor/torlog"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDownloadTimeout = 300 * time.Second
	lockWait               = 60 * time.Second
	lockStale              = 5 * time.Second

	checksumsUnsignedName = "sha256sums-unsigned-build.txt"
	checksumsSignedName   = "sha256sums-signed-build.txt"
	installedMarkerName   = ".installed"
	lockFileName          = ".lock"
)

// Marker is the on-disk InstallMarker: {version, file, sha256}.
type Marker struct {
	Version string `json:"version"`
	File    string `json:"file"`
	Sha256  string `json:"sha256"`
}

// Config carries every installer tunable.
type Config struct {
	InstallRoot        string
	DistIndexURL       string // e.g. https://dist.torproject.org/torbrowser/
	RequireGPG         bool
	PinnedFingerprints []string
	GnupgHome          string
	HTTPTimeout        time.Duration
	DownloadTimeout    time.Duration
	ArchiveTimeout     time.Duration
	GPGTimeout         time.Duration
}

// WarningFunc receives out-of-band gpgWarning-style notifications.
type WarningFunc func(torerr.Warning)

// Installer orchestrates the fetch -> verify -> extract -> atomic-swap
// pipeline and is safe for concurrent EnsurePresent calls: they
// collapse via singleflight into one in-flight pipeline run.
type Installer struct {
	cfg     Config
	fetcher *httpfetch.Fetcher
	gpg     *gpgverify.Verifier
	ext     *archive.Extractor
	log     *torlog.Logger
	group   singleflight.Group
	onWarn  WarningFunc
}

// New builds an Installer. onWarn may be nil.
func New(cfg Config, log *torlog.Logger, onWarn WarningFunc) *Installer {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = defaultDownloadTimeout
	}
	if onWarn == nil {
		onWarn = func(torerr.Warning) {}
	}
	gpg := gpgverify.New(cfg.GnupgHome)
	if cfg.GPGTimeout != 0 {
		gpg.Timeout = cfg.GPGTimeout
	}
	ext := archive.New()
	if cfg.ArchiveTimeout != 0 {
		ext.Timeout = cfg.ArchiveTimeout
	}
	return &Installer{
		cfg:     cfg,
		fetcher: httpfetch.New(),
		gpg:     gpg,
		ext:     ext,
		log:     torlog.Or(log),
		onWarn:  onWarn,
	}
}

func (in *Installer) pairDir() string {
	return filepath.Join(in.cfg.InstallRoot, platform.Pair())
}

// EnsurePresent runs the pipeline (or returns the cached binary path if
// the .installed marker already matches the latest discovered version).
// Concurrent calls across goroutines collapse into a single run.
func (in *Installer) EnsurePresent(ctx context.Context, forceDownload bool) (string, error) {
	v, err, _ := in.group.Do("ensure-present", func() (interface{}, error) {
		return in.ensurePresent(ctx, forceDownload)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (in *Installer) ensurePresent(ctx context.Context, forceDownload bool) (string, error) {
	version, err := in.discoverLatestVersion(ctx)
	if err != nil {
		return "", err
	}
	bundleName := bundleFileName(version)

	if !forceDownload {
		if path, ok := in.checkMarker(version, bundleName); ok {
			return path, nil
		}
	}

	tmpDir, err := os.MkdirTemp("", "torinstall-")
	if err != nil {
		return "", torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "creating temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	checksumsPath, sigPath, err := in.fetchChecksumsAndSignature(ctx, tmpDir)
	if err != nil {
		return "", err
	}

	if sigPath != "" {
		res, verr := in.gpg.Verify(ctx, checksumsPath, sigPath, in.cfg.PinnedFingerprints)
		if verr != nil {
			return "", torerr.New(torerr.KindSignature, torerr.ErrSignatureTimeoutOrError, "%v", verr)
		}
		in.onWarn(res.Warning)
		if !res.OK {
			warnErr := signatureWarningToErr(res.Warning)
			if in.cfg.RequireGPG {
				return "", torerr.New(torerr.KindSignature, warnErr, "%s", res.Warning.String())
			}
		}
	} else if in.cfg.RequireGPG {
		in.onWarn(torerr.Warning{Code: torerr.WarnNotAttempted})
		return "", torerr.New(torerr.KindSignature, torerr.ErrSignatureNotAttempted, "signature file unavailable and require_gpg=true")
	} else {
		in.onWarn(torerr.Warning{Code: torerr.WarnNotAttempted})
	}

	wantHex, err := parseChecksums(checksumsPath, bundleName)
	if err != nil {
		return "", err
	}

	bundlePath := filepath.Join(tmpDir, bundleName)
	if err := in.fetcher.GetToFile(ctx, in.cfg.DistIndexURL+version+"/"+bundleName, bundlePath, in.cfg.DownloadTimeout); err != nil {
		return "", err
	}
	ok, err := hashverify.Verify(bundlePath, wantHex)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", torerr.New(torerr.KindIntegrity, torerr.ErrSha256Mismatch, "want %s for %s", wantHex, bundleName)
	}

	binPath, err := in.installAtomically(ctx, bundlePath)
	if err != nil {
		return "", err
	}

	marker := Marker{Version: version, File: bundleName, Sha256: wantHex}
	if err := in.writeMarker(marker); err != nil {
		in.log.Warn("failed to write install marker", map[string]any{"err": err.Error()})
	}
	return binPath, nil
}

// discoverLatestVersion GETs the distribution index and parses every
// href="X.Y.Z(.W)/" link, picking the lexicographic-by-component max.
func (in *Installer) discoverLatestVersion(ctx context.Context) (string, error) {
	body, err := in.fetcher.Get(ctx, in.cfg.DistIndexURL, in.cfg.HTTPTimeout)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", torerr.New(torerr.KindDiscovery, torerr.ErrNoVersionsFound, "parsing index: %v", err)
	}

	versionRE := regexp.MustCompile(`^(\d+(?:\.\d+){1,3})/$`)
	var versions []string
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if m := versionRE.FindStringSubmatch(href); m != nil {
			versions = append(versions, m[1])
		}
	})
	if len(versions) == 0 {
		return "", torerr.New(torerr.KindDiscovery, torerr.ErrNoVersionsFound, "no version links at %s", in.cfg.DistIndexURL)
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return versions[len(versions)-1], nil
}

func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

func bundleFileName(version string) string {
	return fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
}

// fetchChecksumsAndSignature fetches the unsigned checksums file,
// falling back to the signed variant when that fetch fails or returns
// an empty body, then fetches its detached signature inside an
// errgroup bound to ctx. A signature that cannot be fetched is not an
// error: sigPath is returned empty.
func (in *Installer) fetchChecksumsAndSignature(ctx context.Context, tmpDir string) (checksumsPath, sigPath string, err error) {
	checksumsPath = filepath.Join(tmpDir, "checksums.txt")
	sigPath = filepath.Join(tmpDir, "checksums.txt.asc")

	checksumsURL, err := in.fetchChecksumsFile(ctx, checksumsPath)
	if err != nil {
		return "", "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	var haveSig bool
	g.Go(func() error {
		if ferr := in.fetcher.GetToFile(gctx, checksumsURL+".asc", sigPath, in.cfg.HTTPTimeout); ferr == nil {
			haveSig = true
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	if !haveSig {
		sigPath = ""
	}
	return checksumsPath, sigPath, nil
}

func (in *Installer) fetchChecksumsFile(ctx context.Context, dest string) (string, error) {
	unsignedURL := in.cfg.DistIndexURL + checksumsUnsignedName
	body, err := in.fetcher.Get(ctx, unsignedURL, in.cfg.HTTPTimeout)
	if err == nil && len(body) > 0 {
		return unsignedURL, os.WriteFile(dest, body, 0o644)
	}
	signedURL := in.cfg.DistIndexURL + checksumsSignedName
	body, err = in.fetcher.Get(ctx, signedURL, in.cfg.HTTPTimeout)
	if err != nil {
		return "", err
	}
	return signedURL, os.WriteFile(dest, body, 0o644)
}

var checksumLineRE = regexp.MustCompile(`^\s*([A-Fa-f0-9]{64})\s+\*?(.+?)\s*$`)

// parseChecksums finds the entry whose filename ends with bundleName.
func parseChecksums(path, bundleName string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", torerr.New(torerr.KindDiscovery, torerr.ErrBundleNameNotInChecksums, "reading %s: %v", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		m := checksumLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if strings.HasSuffix(m[2], bundleName) {
			return m[1], nil
		}
	}
	return "", torerr.New(torerr.KindDiscovery, torerr.ErrBundleNameNotInChecksums, "%s not in %s", bundleName, path)
}

func signatureWarningToErr(w torerr.Warning) error {
	switch w.Code {
	case torerr.WarnNotInstalled:
		return torerr.ErrSignatureNotInstalled
	case torerr.WarnNoKey:
		return torerr.ErrSignatureNoKey
	case torerr.WarnBadSignature:
		return torerr.ErrSignatureBad
	case torerr.WarnUnexpectedSigner:
		return torerr.ErrSignatureUnexpectedSigner
	case torerr.WarnTimeoutOrError:
		return torerr.ErrSignatureTimeoutOrError
	default:
		return torerr.ErrSignatureNotAttempted
	}
}

// checkMarker reports whether an existing .installed marker already
// matches version/bundleName and a binary is present, satisfying the
// idempotent-installer property without re-downloading. The marker's
// sha256 is compared only against a copy of the bundle in the install
// directory; the pipeline does not keep one there, so in practice the
// recorded hash is not re-checked.
func (in *Installer) checkMarker(version, bundleName string) (string, bool) {
	m, err := in.readMarker()
	if err != nil || m.Version != version || m.File != bundleName {
		return "", false
	}
	binPath, err := in.locateBinary()
	if err != nil {
		return "", false
	}
	sum, err := hashverify.Sha256OfFile(filepath.Join(in.pairDir(), bundleName))
	if err == nil && !strings.EqualFold(sum, m.Sha256) {
		return "", false
	}
	return binPath, true
}

func (in *Installer) markerPath() string {
	return filepath.Join(in.pairDir(), installedMarkerName)
}

func (in *Installer) readMarker() (Marker, error) {
	var m Marker
	data, err := os.ReadFile(in.markerPath())
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func (in *Installer) writeMarker(m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(in.markerPath(), data, 0o644)
}

// installAtomically acquires the install-tree lock, clears the
// directory (except the lock file itself), extracts the bundle,
// locates the resulting binary, and sets its execute bits.
func (in *Installer) installAtomically(ctx context.Context, bundlePath string) (string, error) {
	dir := in.pairDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "mkdir %s: %v", dir, err)
	}

	unlock, err := acquireLock(dir)
	if err != nil {
		return "", err
	}
	defer unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "reading %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return "", torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "clearing %s: %v", e.Name(), err)
		}
	}

	if err := in.ext.Extract(ctx, bundlePath, dir); err != nil {
		return "", err
	}

	binPath, err := in.locateBinary()
	if err != nil {
		return "", err
	}
	if err := platform.SetExecutable(binPath); err != nil {
		return "", torerr.New(torerr.KindInstall, torerr.ErrExtractionFailed, "setting execute bits on %s: %v", binPath, err)
	}
	return binPath, nil
}

// acquireLock implements the 60s-wait/5s-stale-threshold .lock policy
// on top of starius/flock, grounded on starius-barterbackup's
// acquireDirLock.
func acquireLock(dir string) (func(), error) {
	path := filepath.Join(dir, lockFileName)
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, torerr.New(torerr.KindInstall, torerr.ErrLockBusy, "open %s: %v", path, err)
		}
		if err := flock.LockFile(f); err == nil {
			return func() {
				_ = flock.UnlockFile(f)
				_ = f.Close()
			}, nil
		}
		f.Close()

		if fi, statErr := os.Stat(path); statErr == nil && time.Since(fi.ModTime()) > lockStale {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, torerr.New(torerr.KindInstall, torerr.ErrLockBusy, "%s held past %s", path, lockWait)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// locateBinary walks the install tree preferring /bin/ paths, rejecting
// debug directories, and requiring the executable bit on POSIX.
func (in *Installer) locateBinary() (string, error) {
	dir := in.pairDir()
	exeName := platform.ExeName("tor")
	var best string
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if platform.IsDebugPath(p) {
			return nil
		}
		if filepath.Base(p) != exeName {
			return nil
		}
		if !platform.IsExecutable(p) {
			return nil
		}
		if best == "" || strings.Contains(filepath.ToSlash(p), "/bin/") {
			best = p
		}
		return nil
	})
	if best == "" {
		return "", torerr.New(torerr.KindInstall, torerr.ErrBinaryNotFound, "no %s under %s", exeName, dir)
	}
	return best, nil
}
