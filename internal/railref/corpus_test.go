package railref

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadReferenceMapArray(t *testing.T) {
	path := writeTempFile(t, "corpus.json", `[
		{"TIPLOC": "clphmjc", "STANOX": "87701"},
		{"TIPLOC": "VICTRIA", "STANOX": "68"},
		{"TIPLOC": "NOCODE", "STANOX": "N/A"},
		{"TIPLOC": "", "STANOX": "12345"}
	]`)

	m, err := LoadReferenceMap(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(m) != 2 {
		t.Errorf("map size = %d, want 2", len(m))
	}
	if m["CLPHMJC"] != "87701" {
		t.Errorf("CLPHMJC = %q, want 87701", m["CLPHMJC"])
	}
	// Short codes are zero-padded to five digits.
	if m["VICTRIA"] != "00068" {
		t.Errorf("VICTRIA = %q, want 00068", m["VICTRIA"])
	}
}

func TestLoadReferenceMapNDJSON(t *testing.T) {
	path := writeTempFile(t, "corpus.ndjson",
		`{"TIPLOC": "AAAA", "STANOX": "11111"}
{"TIPLOC": "BBBB", "STANOX": "22222"}

{"TIPLOC": "AAAA", "STANOX": "33333"}
`)

	m, err := LoadReferenceMap(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m) != 2 {
		t.Errorf("map size = %d, want 2", len(m))
	}
	// Last writer wins on a duplicate tiploc.
	if m["AAAA"] != "33333" {
		t.Errorf("AAAA = %q, want 33333", m["AAAA"])
	}
}

func TestLoadReferenceMapWrapped(t *testing.T) {
	path := writeTempFile(t, "corpus.json",
		`{"TIPLOCDATA": [{"TIPLOC": "AAAA", "STANOX": "11111"}]}`)

	m, err := LoadReferenceMap(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m["AAAA"] != "11111" {
		t.Errorf("AAAA = %q, want 11111", m["AAAA"])
	}
}

func TestLoadReferenceMapMissingFile(t *testing.T) {
	_, err := LoadReferenceMap(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("missing file gave nil error")
	}
}
