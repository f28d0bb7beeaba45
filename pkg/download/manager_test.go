package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glorpus-work/planetile/pkg/catalog"
	pkgerrors "github.com/glorpus-work/planetile/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestManager(t *testing.T, cat *catalog.Catalog, opts Options) *Manager {
	t.Helper()
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return NewManager(t.TempDir(), cat, NewHTTPFetcher(5*time.Second, "planetile-test/1.0"), opts)
}

func TestDownloadIdempotentReuse(t *testing.T) {
	content := []byte("blue marble panel data")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"X": {Name: "asset X", URLs: []string{server.URL + "/x"}, Destination: "x/x.bin", Checksum: sha256Hex(content)},
	})
	mgr := newTestManager(t, cat, Options{})

	first, err := mgr.Download(context.Background(), "X", false)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(content), first.SHA256)
	assert.Equal(t, server.URL+"/x", first.URL)
	assert.Equal(t, int64(len(content)), first.Size)
	assert.Equal(t, int32(1), hits.Load())

	second, err := mgr.Download(context.Background(), "X", false)
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, int32(1), hits.Load(), "second call must not touch the network")
}

func TestDownloadForceRefetches(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{server.URL}, Destination: "x.bin"},
	})
	mgr := newTestManager(t, cat, Options{})

	_, err := mgr.Download(context.Background(), "X", false)
	require.NoError(t, err)
	_, err = mgr.Download(context.Background(), "X", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloadChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("unexpected bytes"))
	}))
	defer server.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{server.URL}, Destination: "x.bin", Checksum: "deadbeef"},
	})
	mgr := newTestManager(t, cat, Options{Retries: 1})

	_, err := mgr.Download(context.Background(), "X", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChecksumMismatch))
	assert.Empty(t, mgr.Results(), "mismatched result must not be recorded")
}

func TestDownloadCachedChecksumMismatch(t *testing.T) {
	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{"http://unused.invalid/x"}, Destination: "x.bin", Checksum: "deadbeef"},
	})
	mgr := newTestManager(t, cat, Options{Retries: 1})

	// Pre-seed a corrupt cached file.
	target := filepath.Join(mgr.DataDir(), "x.bin")
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0o644))

	_, err := mgr.Download(context.Background(), "X", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChecksumMismatch))
}

func TestDownloadURLFallback(t *testing.T) {
	content := []byte("fallback content")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	defer good.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{bad.URL, good.URL}, Destination: "x.bin"},
	})
	mgr := newTestManager(t, cat, Options{Retries: 2})

	result, err := mgr.Download(context.Background(), "X", false)
	require.NoError(t, err)
	assert.Equal(t, good.URL, result.URL)
	assert.Equal(t, sha256Hex(content), result.SHA256)
}

func TestDownloadAllURLsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{server.URL + "/a", server.URL + "/b"}, Destination: "x.bin"},
	})
	mgr := newTestManager(t, cat, Options{Retries: 2})

	_, err := mgr.Download(context.Background(), "X", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrDownloadFailed))

	// No partial file may be left behind.
	_, statErr := os.Stat(filepath.Join(mgr.DataDir(), "x.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadUnknownAsset(t *testing.T) {
	mgr := newTestManager(t, catalog.New(map[string]*catalog.Record{}), Options{})
	_, err := mgr.Download(context.Background(), "nope", false)
	assert.True(t, errors.Is(err, pkgerrors.ErrAssetUnknown))
}

func TestDownloadMany(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	cat := catalog.New(map[string]*catalog.Record{
		"a": {URLs: []string{server.URL + "/a"}, Destination: "a.bin"},
		"b": {URLs: []string{server.URL + "/b"}, Destination: "b.bin"},
	})
	mgr := newTestManager(t, cat, Options{})

	results, err := mgr.DownloadMany(context.Background(), []string{"a", "b"}, false)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, mgr.Results(), 2)
}

func TestDownloadDryRun(t *testing.T) {
	cat := catalog.New(map[string]*catalog.Record{
		"X": {URLs: []string{"http://unused.invalid/x"}, Destination: "x.bin"},
	})
	mgr := NewManager(t.TempDir(), cat, DryRunFetcher{}, Options{DryRun: true})

	result, err := mgr.Download(context.Background(), "X", false)
	require.NoError(t, err)
	assert.Equal(t, "http://unused.invalid/x", result.URL)

	// Nothing may be written in dry-run.
	entries, err := os.ReadDir(mgr.DataDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
