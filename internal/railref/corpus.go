// Package railref imports the rail location reference datasets and
// publishes them to storage as full-refresh tables.
package railref

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/JacX808/TimathyTrainTime/internal/stanox"
)

// corpusRecord is one entry of the location reference dump.
type corpusRecord struct {
	Tiploc string `json:"TIPLOC"`
	Stanox string `json:"STANOX"`
}

// corpusEnvelope is the wrapped form some dumps use.
type corpusEnvelope struct {
	Data []corpusRecord `json:"TIPLOCDATA"`
}

// LoadReferenceMap reads a reference dump, either a single JSON array
// (bare or wrapped) or newline-delimited JSON objects, and returns a
// tiploc to stanox map. Both codes are normalized; records missing
// either are skipped; the last writer wins on duplicate tiplocs.
func LoadReferenceMap(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return readReferenceMap(f)
}

func readReferenceMap(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reference file: %w", err)
	}

	records, err := decodeCorpus(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(records))
	for _, rec := range records {
		tiploc := stanox.NormalizeTiploc(rec.Tiploc)
		code, ok := stanox.Normalize(rec.Stanox)
		if tiploc == "" || !ok {
			continue
		}
		out[tiploc] = code
	}
	return out, nil
}

func decodeCorpus(data []byte) ([]corpusRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var records []corpusRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode reference array: %w", err)
		}
		return records, nil
	case '{':
		// Either a wrapped dump or NDJSON whose first line is an object.
		var env corpusEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
			return env.Data, nil
		}
		return decodeNDJSON(trimmed)
	default:
		return nil, fmt.Errorf("unrecognized reference file format")
	}
}

func decodeNDJSON(data []byte) ([]corpusRecord, error) {
	var records []corpusRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec corpusRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode reference line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan reference file: %w", err)
	}
	return records, nil
}
