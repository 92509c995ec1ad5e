package fetch

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/types"
)

// Config configures where a fetch reads from and writes to.
type Config struct {
	BaseURL      string
	OutputDir    string
	OutputPrefix string
	Client       *http.Client
	// Retry bounds how many times transient transport failures on the
	// idempotent GETs are retried; zero value means DefaultRetryPolicy.
	Retry types.RetryPolicy
}

// Result is what a successful Fetch returns: the final archive path and
// the agent name recovered from the manifest.
type Result struct {
	FinalPath string
	AgentName string
}

const requestTimeout = 15 * time.Minute

// Fetch runs the download-and-verify pipeline in order: manifest,
// file, size check, checksum check, compression detection, rename,
// archive-membership check. Any step failure leaves whatever was
// already written on disk in place, for forensic purposes, and returns
// a typed error from pkg/types.
func Fetch(ctx context.Context, imageUUID string, cfg Config) (Result, error) {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = types.DefaultRetryPolicy
	}
	logger := log.WithComponent("fetch")

	manifest, err := fetchManifest(ctx, client, cfg, imageUUID)
	if err != nil {
		return Result{}, err
	}
	if len(manifest.Files) == 0 {
		return Result{}, fmt.Errorf("%w: manifest for %s lists no files", types.ErrNotAnAgentImage, imageUUID)
	}
	file := manifest.Files[0]

	rawPath := filepath.Join(cfg.OutputDir, cfg.OutputPrefix+".file")
	if err := downloadFile(ctx, client, cfg, imageUUID, rawPath); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(rawPath)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: stat %s: %w", rawPath, err)
	}
	if info.Size() != file.Size {
		return Result{}, fmt.Errorf("%w: got %d bytes, manifest says %d", types.ErrSizeMismatch, info.Size(), file.Size)
	}

	sum, err := sha1sum(rawPath)
	if err != nil {
		return Result{}, err
	}
	if sum != file.SHA1 {
		return Result{}, fmt.Errorf("%w: got %s, manifest says %s", types.ErrChecksumMismatch, sum, file.SHA1)
	}

	compression, err := detectCompression(rawPath, file.Compression)
	if err != nil {
		return Result{}, err
	}

	finalPath := filepath.Join(cfg.OutputDir, cfg.OutputPrefix+compressionExt(compression))
	if err := os.Rename(rawPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("fetch: rename %s to %s: %w", rawPath, finalPath, err)
	}

	if err := verifyAgentImage(finalPath, compression, manifest.Name); err != nil {
		return Result{}, err
	}

	logger.Info().Str("image_uuid", imageUUID).Str("path", finalPath).Msg("agent image fetched")
	return Result{FinalPath: finalPath, AgentName: manifest.Name}, nil
}

func fetchManifest(ctx context.Context, client *http.Client, cfg Config, imageUUID string) (Manifest, error) {
	var m Manifest
	err := withRetry(ctx, cfg.Retry, func() (bool, error) {
		url := fmt.Sprintf("%s/%s/manifest", cfg.BaseURL, imageUUID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("fetch: build manifest request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return true, fmt.Errorf("fetch: manifest request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return false, fmt.Errorf("%w: %s", types.ErrImageNotFound, imageUUID)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return true, fmt.Errorf("fetch: manifest request: unexpected status %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("fetch: manifest request: unexpected status %s", resp.Status)
		}

		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return false, fmt.Errorf("fetch: decode manifest: %w", err)
		}
		return false, nil
	})
	return m, err
}

func downloadFile(ctx context.Context, client *http.Client, cfg Config, imageUUID, dest string) error {
	return withRetry(ctx, cfg.Retry, func() (bool, error) {
		url := fmt.Sprintf("%s/%s/file", cfg.BaseURL, imageUUID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("fetch: build file request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return true, fmt.Errorf("fetch: file request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return false, fmt.Errorf("%w: %s", types.ErrImageNotFound, imageUUID)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return true, fmt.Errorf("fetch: file request: unexpected status %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("fetch: file request: unexpected status %s", resp.Status)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return false, fmt.Errorf("fetch: mkdir %s: %w", filepath.Dir(dest), err)
		}
		out, err := os.Create(dest)
		if err != nil {
			return false, fmt.Errorf("fetch: create %s: %w", dest, err)
		}
		defer out.Close()

		if _, err := io.Copy(out, resp.Body); err != nil {
			return true, fmt.Errorf("fetch: write %s: %w", dest, err)
		}
		return false, nil
	})
}

// withRetry runs op up to policy.Attempts times, sleeping
// policy.Interval between attempts, retrying only when op reports the
// failure as transient. The downloads here are plain GETs, so a retry
// can never duplicate a side effect.
func withRetry(ctx context.Context, policy types.RetryPolicy, op func() (transient bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Interval):
			}
		}

		transient, err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient {
			return err
		}
	}
	return lastErr
}

func sha1sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fetch: open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fetch: checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// detectCompression trusts the manifest's declared compression when
// present, otherwise sniffs the file's magic bytes. Only gzip and
// bzip2 are accepted.
func detectCompression(path, declared string) (string, error) {
	if declared != "" {
		if declared != "gzip" && declared != "bzip2" {
			return "", fmt.Errorf("%w: manifest declares %q", types.ErrUnknownCompression, declared)
		}
		return declared, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fetch: open %s for sniffing: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, 3)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("%w: file too short to sniff", types.ErrUnknownCompression)
	}

	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return "gzip", nil
	case magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h':
		return "bzip2", nil
	default:
		return "", fmt.Errorf("%w: unrecognized file magic", types.ErrUnknownCompression)
	}
}

func compressionExt(compression string) string {
	if compression == "bzip2" {
		return ".tar.bz2"
	}
	return ".tar.gz"
}

// verifyAgentImage lists the archive and checks for the heuristic entry
// "<manifest.name>/image_uuid", the marker that this archive really is
// an installable agent image.
func verifyAgentImage(path, compression, manifestName string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fetch: open %s for listing: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch compression {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("fetch: gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case "bzip2":
		r = bzip2.NewReader(r)
	}

	want := manifestName + "/image_uuid"
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("fetch: list archive %s: %w", path, err)
		}
		if hdr.Name == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s missing entry %q", types.ErrNotAnAgentImage, path, want)
}
