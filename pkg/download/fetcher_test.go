package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherStreamsAndHashes(t *testing.T) {
	content := []byte("tile pyramid bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "planetile-test/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "dir", "out.bin")
	fetcher := NewHTTPFetcher(5*time.Second, "planetile-test/1.0")

	digest, size, err := fetcher.Fetch(context.Background(), server.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, sha256Hex(content), digest)

	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	// The temporary sibling must be gone.
	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPFetcherNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	fetcher := NewHTTPFetcher(5*time.Second, "")

	_, _, err := fetcher.Fetch(context.Background(), server.URL, dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "failed fetch must not create the destination")
}

func TestHashHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	sha, err := SHA256Of(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sha)

	md5sum, err := MD5Of(path)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", md5sum)

	_, err = SHA256Of(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
