package railref

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/osgrid"
	"github.com/JacX808/TimathyTrainTime/internal/stanox"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

// ImportError wraps an import failure with both configured input
// paths, so the operator can see at a glance which files were in play.
type ImportError struct {
	ReferencePath string
	LocationPath  string
	Err           error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("rail reference import (reference=%s, locations=%s): %v",
		e.ReferencePath, e.LocationPath, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// Importer builds the geocoded rail location tables from the two
// reference inputs and publishes them as full replacements.
type Importer struct {
	store storage.Store
	log   *zap.SugaredLogger

	// now is swappable for tests.
	now func() time.Time
}

// NewImporter creates an importer writing to the given store.
func NewImporter(store storage.Store, log *zap.SugaredLogger) *Importer {
	return &Importer{store: store, log: log, now: time.Now}
}

// ImportRailLocations replaces the rail location table from the
// reference map and location plan files. Rows without coordinates or
// a resolvable location code are skipped. The swap is atomic: a
// failure leaves the previous table content intact. Returns the
// number of rows inserted.
func (i *Importer) ImportRailLocations(ctx context.Context, referencePath, locationPath string) (int, error) {
	refMap, err := LoadReferenceMap(referencePath)
	if err != nil {
		return 0, &ImportError{ReferencePath: referencePath, LocationPath: locationPath, Err: err}
	}

	now := i.now().UTC()
	var batch []storage.RailLocation
	seen := make(map[string]struct{})
	skippedCoords, skippedCode := 0, 0

	err = StreamLocationRecords(locationPath, func(rec LocationRecord) error {
		if rec.Easting == nil || rec.Northing == nil {
			skippedCoords++
			return nil
		}

		tiploc := stanox.NormalizeTiploc(rec.Tiploc)
		code, ok := stanox.Normalize(rec.Stanox)
		if !ok {
			if mapped, found := refMap[tiploc]; found {
				code, ok = mapped, true
			}
		}
		if !ok {
			skippedCode++
			return nil
		}

		// The plan occasionally repeats a location; first row wins.
		key := code + "/" + tiploc
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}

		lat, lon := osgrid.Project(float64(*rec.Easting), float64(*rec.Northing))
		loc := storage.RailLocation{
			Stanox:    code,
			Tiploc:    tiploc,
			Easting:   rec.Easting,
			Northing:  rec.Northing,
			Latitude:  &lat,
			Longitude: &lon,
			ValidFrom: rec.ValidFrom,
			ValidTo:   rec.ValidTo,
			Source:    "BPLAN",
			UpdatedAt: now,
		}
		if rec.Name != "" {
			name := rec.Name
			loc.Name = &name
		}
		batch = append(batch, loc)
		return nil
	})
	if err != nil {
		return 0, &ImportError{ReferencePath: referencePath, LocationPath: locationPath, Err: err}
	}

	inserted, err := i.store.ReplaceRailLocations(ctx, batch)
	if err != nil {
		return 0, &ImportError{ReferencePath: referencePath, LocationPath: locationPath, Err: err}
	}

	i.log.Infow("rail locations imported",
		"inserted", inserted,
		"skipped_no_coords", skippedCoords,
		"skipped_no_code", skippedCode)
	return inserted, nil
}

// ImportRailLocationLite rebuilds the stanox to coordinates projection
// cache from the current rail location table. When several tiplocs
// share a stanox the lowest tiploc wins, which keeps the cache
// deterministic across imports.
func (i *Importer) ImportRailLocationLite(ctx context.Context) (int, error) {
	locs, err := i.store.AllRailLocations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rail locations: %w", err)
	}

	chosen := make(map[string]storage.RailLocation, len(locs))
	for _, loc := range locs {
		cur, ok := chosen[loc.Stanox]
		if !ok || loc.Tiploc < cur.Tiploc {
			chosen[loc.Stanox] = loc
		}
	}

	rows := make([]storage.RailLocationLite, 0, len(chosen))
	for code, loc := range chosen {
		rows = append(rows, storage.RailLocationLite{
			Stanox:    code,
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
		})
	}

	inserted, err := i.store.ReplaceRailLocationLite(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("replace lite locations: %w", err)
	}

	i.log.Infow("lite locations rebuilt", "inserted", inserted)
	return inserted, nil
}
