package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	ShowProgressBar = false
	content := []byte("cifar bytes, or something like it")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var numRequests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := filepath.Join(t.TempDir(), "sub", "data.bin")
	require.NoError(t, DownloadIfMissing(server.URL, filePath, hash))
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 1, numRequests)

	// Second call must not download again.
	require.NoError(t, DownloadIfMissing(server.URL, filePath, hash))
	assert.Equal(t, 1, numRequests)

	// Wrong hash.
	require.Error(t, DownloadIfMissing(server.URL, filePath, "deadbeef"))
}

func TestDownloadHTTPError(t *testing.T) {
	ShowProgressBar = false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()
	_, err := Download(server.URL, filepath.Join(t.TempDir(), "x.bin"))
	require.Error(t, err)
}
