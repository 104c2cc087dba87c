package railref

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadReferenceArchiveGzip(t *testing.T) {
	payload := `[{"TIPLOC":"AAAA","STANOX":"11111"}]`

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(payload)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "feeduser" || pass != "feedpass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "corpus.json")
	path, err := DownloadReferenceArchive(context.Background(), DownloadConfig{
		URL:      srv.URL,
		Username: "feeduser",
		Password: "feedpass",
	}, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != payload {
		t.Errorf("output = %q, want decompressed payload", got)
	}
}

func TestDownloadReferenceArchivePlainFallthrough(t *testing.T) {
	payload := `[{"TIPLOC":"AAAA","STANOX":"11111"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "corpus.json")
	if _, err := DownloadReferenceArchive(context.Background(), DownloadConfig{URL: srv.URL}, dest); err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != payload {
		t.Errorf("output = %q, want payload copied through", got)
	}
}

func TestDownloadReferenceArchiveUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "corpus.json")
	_, err := DownloadReferenceArchive(context.Background(), DownloadConfig{URL: srv.URL}, dest)
	if err == nil {
		t.Fatal("unauthorized fetch gave nil error")
	}
}
