package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodeforge/cnagent/pkg/types"
	"github.com/stretchr/testify/require"
)

func buildAgentImageArchive(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	body := []byte("fake-agent-uuid\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name + "/image_uuid",
		Size: int64(len(body)),
		Mode: 0o644,
	}))
	_, err := tw.Write(body)
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestServer(t *testing.T, imageUUID, manifestName string, archive []byte) *httptest.Server {
	t.Helper()
	sum := sha1.Sum(archive)

	mux := http.NewServeMux()
	mux.HandleFunc("/"+imageUUID+"/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Manifest{
			Name: manifestName,
			UUID: imageUUID,
			Files: []ManifestFile{
				{Size: int64(len(archive)), SHA1: hex.EncodeToString(sum[:])},
			},
		})
	})
	mux.HandleFunc("/"+imageUUID+"/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	return httptest.NewServer(mux)
}

func TestFetchSucceeds(t *testing.T) {
	archive := buildAgentImageArchive(t, "cn-agent")
	srv := newTestServer(t, "img-1", "cn-agent", archive)
	defer srv.Close()

	outDir := t.TempDir()
	res, err := Fetch(context.Background(), "img-1", Config{
		BaseURL:      srv.URL,
		OutputDir:    outDir,
		OutputPrefix: "cn-agent",
	})
	require.NoError(t, err)
	require.Equal(t, "cn-agent", res.AgentName)
	require.Equal(t, filepath.Join(outDir, "cn-agent.tar.gz"), res.FinalPath)

	_, err = os.Stat(res.FinalPath)
	require.NoError(t, err)
}

func TestFetchManifestNotFound(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux) // no routes registered: everything 404s
	defer srv.Close()

	_, err := Fetch(context.Background(), "missing", Config{
		BaseURL:      srv.URL,
		OutputDir:    t.TempDir(),
		OutputPrefix: "x",
	})
	require.Error(t, err)
}

func TestFetchSizeMismatch(t *testing.T) {
	archive := buildAgentImageArchive(t, "cn-agent")
	imageUUID := "img-2"
	mux := http.NewServeMux()
	mux.HandleFunc("/"+imageUUID+"/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Manifest{
			Name:  "cn-agent",
			Files: []ManifestFile{{Size: int64(len(archive)) + 1, SHA1: "deadbeef"}},
		})
	})
	mux.HandleFunc("/"+imageUUID+"/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Fetch(context.Background(), imageUUID, Config{
		BaseURL:      srv.URL,
		OutputDir:    t.TempDir(),
		OutputPrefix: "cn-agent",
	})
	require.Error(t, err)
}

func TestFetchChecksumMismatchLeavesFileForInspection(t *testing.T) {
	archive := buildAgentImageArchive(t, "cn-agent")
	imageUUID := "img-4"
	mux := http.NewServeMux()
	mux.HandleFunc("/"+imageUUID+"/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Manifest{
			Name:  "cn-agent",
			Files: []ManifestFile{{Size: int64(len(archive)), SHA1: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		})
	})
	mux.HandleFunc("/"+imageUUID+"/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	outDir := t.TempDir()
	_, err := Fetch(context.Background(), imageUUID, Config{
		BaseURL:      srv.URL,
		OutputDir:    outDir,
		OutputPrefix: "cn-agent",
	})
	require.ErrorIs(t, err, types.ErrChecksumMismatch)

	// The corrupt download stays on disk under its .file name; no
	// rename happened.
	_, statErr := os.Stat(filepath.Join(outDir, "cn-agent.file"))
	require.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(outDir, "cn-agent.tar.gz"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchRetriesTransientServerErrors(t *testing.T) {
	archive := buildAgentImageArchive(t, "cn-agent")
	sum := sha1.Sum(archive)
	imageUUID := "img-5"

	var manifestHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/"+imageUUID+"/manifest", func(w http.ResponseWriter, r *http.Request) {
		if manifestHits.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Manifest{
			Name:  "cn-agent",
			Files: []ManifestFile{{Size: int64(len(archive)), SHA1: hex.EncodeToString(sum[:])}},
		})
	})
	mux.HandleFunc("/"+imageUUID+"/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Fetch(context.Background(), imageUUID, Config{
		BaseURL:      srv.URL,
		OutputDir:    t.TempDir(),
		OutputPrefix: "cn-agent",
		Retry:        types.RetryPolicy{Attempts: 3, Interval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), manifestHits.Load())
}

func TestFetchRejectsNonAgentArchive(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "cn-agent/README", Size: 4, Mode: 0o644}))
	_, err := tw.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	archive := buf.Bytes()

	imageUUID := "img-3"
	srv := newTestServer(t, imageUUID, "cn-agent", archive)
	defer srv.Close()

	_, err = Fetch(context.Background(), imageUUID, Config{
		BaseURL:      srv.URL,
		OutputDir:    t.TempDir(),
		OutputPrefix: "cn-agent",
	})
	require.Error(t, err)
}
