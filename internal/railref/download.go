package railref

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DownloadConfig describes the authenticated reference archive
// endpoint.
type DownloadConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// DownloadReferenceArchive fetches the reference archive and writes
// the decompressed content to destPath. The payload is gunzipped when
// it carries the gzip magic bytes; otherwise it is assumed to be
// already decompressed and copied through. Returns destPath.
func DownloadReferenceArchive(ctx context.Context, cfg DownloadConfig, destPath string) (string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch reference archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("reference archive fetch unauthorized: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reference archive fetch failed: status %d", resp.StatusCode)
	}

	if err := writeDecompressed(resp.Body, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// writeDecompressed sniffs the gzip magic bytes and writes plain
// content to path either way.
func writeDecompressed(r io.Reader, path string) error {
	head := make([]byte, 2)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read payload head: %w", err)
	}

	source := io.MultiReader(bytes.NewReader(head[:n]), r)
	if n == 2 && head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(source)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		source = gz
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, source); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	return out.Close()
}
