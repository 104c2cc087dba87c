package railref

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LocationRecord is one "LOC" row of the tab-delimited network plan.
// Numeric and date fields are pointers: a malformed value degrades to
// absent rather than aborting the stream.
type LocationRecord struct {
	Tiploc    string
	Name      string
	ValidFrom *time.Time
	ValidTo   *time.Time
	Easting   *int
	Northing  *int
	Stanox    string // raw location code, may be empty
}

const planDateLayout = "02-01-2006 15:04:05"

// Column positions within a LOC row.
const (
	colRowType   = 0
	colTiploc    = 2
	colName      = 3
	colValidFrom = 4
	colValidTo   = 5
	colEasting   = 6
	colNorthing  = 7
	colStanox    = 10
)

// StreamLocationRecords reads a network plan file line by line and
// calls fn for each LOC row. The file is streamed, never held in
// memory whole. fn returning an error stops the stream.
func StreamLocationRecords(path string, fn func(LocationRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open location file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return streamLocationRecords(f, fn)
}

func streamLocationRecords(r io.Reader, fn func(LocationRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) <= colStanox || cols[colRowType] != "LOC" {
			continue
		}

		rec := LocationRecord{
			Tiploc:    strings.TrimSpace(cols[colTiploc]),
			Name:      strings.TrimSpace(cols[colName]),
			ValidFrom: parsePlanDate(cols[colValidFrom]),
			ValidTo:   parsePlanDate(cols[colValidTo]),
			Easting:   parsePlanInt(cols[colEasting]),
			Northing:  parsePlanInt(cols[colNorthing]),
			Stanox:    strings.TrimSpace(cols[colStanox]),
		}
		if rec.Tiploc == "" {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan location file: %w", err)
	}
	return nil
}

func parsePlanDate(s string) *time.Time {
	t, err := time.ParseInLocation(planDateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func parsePlanInt(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &n
}
