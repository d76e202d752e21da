package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bfix/torsupervisor/platform"
	"github.com/bfix/torsupervisor/torerr"
)

// buildBundle returns a tar.gz containing a single executable bin/tor,
// along with its sha256 hex digest.
func buildBundle(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	content := []byte("#!/bin/sh\necho fake tor\n")
	hdr := &tar.Header{Name: "bin/tor", Mode: 0o755, Size: int64(len(content))}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, version, bundleName string, bundle []byte, bundleSum string, downloads *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dist/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><a href="%s/">%s/</a></body></html>`, version, version)
	})
	mux.HandleFunc("/dist/sha256sums-unsigned-build.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s  %s\n", bundleSum, bundleName)
	})
	mux.HandleFunc("/dist/sha256sums-unsigned-build.txt.asc", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/dist/"+version+"/"+bundleName, func(w http.ResponseWriter, r *http.Request) {
		if downloads != nil {
			*downloads++
		}
		w.Write(bundle)
	})
	return httptest.NewServer(mux)
}

func testConfig(t *testing.T, srv *httptest.Server) Config {
	t.Helper()
	return Config{
		InstallRoot:  t.TempDir(),
		DistIndexURL: srv.URL + "/dist/",
		RequireGPG:   false,
	}
}

func TestEnsurePresentDownloadsVerifiesAndLocatesBinary(t *testing.T) {
	bundle, sum := buildBundle(t)
	version := "0.4.8.1"
	bundleName := fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
	srv := newTestServer(t, version, bundleName, bundle, sum, nil)
	defer srv.Close()

	in := New(testConfig(t, srv), nil, nil)
	binPath, err := in.EnsurePresent(context.Background(), false)
	require.NoError(t, err)
	require.FileExists(t, binPath)
	require.Equal(t, "tor", filepath.Base(binPath))
}

func TestEnsurePresentIsIdempotentViaMarker(t *testing.T) {
	bundle, sum := buildBundle(t)
	version := "0.4.8.1"
	bundleName := fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
	var downloads int
	srv := newTestServer(t, version, bundleName, bundle, sum, &downloads)
	defer srv.Close()

	in := New(testConfig(t, srv), nil, nil)
	_, err := in.EnsurePresent(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, downloads)

	_, err = in.EnsurePresent(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, downloads, "a second EnsurePresent call must use the .installed marker, not re-download")
}

func TestEnsurePresentForceDownloadBypassesMarker(t *testing.T) {
	bundle, sum := buildBundle(t)
	version := "0.4.8.1"
	bundleName := fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
	var downloads int
	srv := newTestServer(t, version, bundleName, bundle, sum, &downloads)
	defer srv.Close()

	in := New(testConfig(t, srv), nil, nil)
	_, err := in.EnsurePresent(context.Background(), false)
	require.NoError(t, err)
	_, err = in.EnsurePresent(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, downloads)
}

func TestEnsurePresentFailsClosedOnChecksumMismatch(t *testing.T) {
	bundle, _ := buildBundle(t)
	version := "0.4.8.1"
	bundleName := fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
	wrongSum := sha256Hex([]byte("not the bundle"))
	srv := newTestServer(t, version, bundleName, bundle, wrongSum, nil)
	defer srv.Close()

	in := New(testConfig(t, srv), nil, nil)
	_, err := in.EnsurePresent(context.Background(), false)
	require.Error(t, err)
}

func TestEnsurePresentRequireGPGRejectsMissingSignature(t *testing.T) {
	bundle, sum := buildBundle(t)
	version := "0.4.8.1"
	bundleName := fmt.Sprintf("tor-expert-bundle-%s-%s-%s.tar.gz", platform.OSToken(), platform.ArchToken(), version)
	srv := newTestServer(t, version, bundleName, bundle, sum, nil)
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.RequireGPG = true
	var warned bool
	in := New(cfg, nil, func(w torerr.Warning) { warned = true })
	_, err := in.EnsurePresent(context.Background(), false)
	require.Error(t, err)
	require.True(t, warned)
}
