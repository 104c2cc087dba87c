// Package merge joins live train positions with geocoded reference
// locations into the map-ready table.
package merge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/stanox"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

// Result carries the counters of one merge run. For a run over N
// positions, InvalidStanox + Matched + MissingCoord == N always holds.
type Result struct {
	PositionsRead int
	Inserted      int
	Matched       int
	MissingCoord  int
	InvalidStanox int
}

// Engine rebuilds the merged train and rail table.
type Engine struct {
	store storage.Store
	log   *zap.SugaredLogger
}

// NewEngine creates a merge engine over the given store.
func NewEngine(store storage.Store, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, log: log}
}

// MergeTrainAndRail joins every current position against the lite
// coordinate table and full-refreshes the merge table. Zero current
// positions is a valid outcome: the merge table is cleared and the
// run reports zero rows.
func (e *Engine) MergeTrainAndRail(ctx context.Context) (Result, error) {
	var res Result

	positions, err := e.store.CurrentPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("load positions: %w", err)
	}
	res.PositionsRead = len(positions)

	if len(positions) == 0 {
		if _, err := e.store.ReplaceMerged(ctx, nil); err != nil {
			return res, fmt.Errorf("clear merged: %w", err)
		}
		e.log.Infow("merge ran with no positions, table cleared")
		return res, nil
	}

	// Normalize first so the lite lookup only fetches codes in play.
	type validPos struct {
		pos  storage.CurrentTrainPosition
		code string
	}
	valid := make([]validPos, 0, len(positions))
	codeSet := make(map[string]struct{})
	for _, pos := range positions {
		code, ok := stanox.Normalize(pos.LocStanox)
		if !ok {
			res.InvalidStanox++
			continue
		}
		valid = append(valid, validPos{pos: pos, code: code})
		codeSet[code] = struct{}{}
	}

	codes := make([]string, 0, len(codeSet))
	for code := range codeSet {
		codes = append(codes, code)
	}
	lite, err := e.store.RailLocationLiteByStanox(ctx, codes)
	if err != nil {
		return res, fmt.Errorf("load lite locations: %w", err)
	}

	rows := make([]storage.TrainAndRailMergeLite, 0, len(valid))
	for _, vp := range valid {
		row := storage.TrainAndRailMergeLite{
			TrainID:    vp.pos.TrainID,
			LocStanox:  vp.code,
			ReportedAt: vp.pos.ReportedAt,
			Direction:  vp.pos.Direction,
		}
		if hit, ok := lite[vp.code]; ok && hit.Latitude != nil && hit.Longitude != nil {
			row.Latitude = hit.Latitude
			row.Longitude = hit.Longitude
			res.Matched++
		} else {
			res.MissingCoord++
		}
		rows = append(rows, row)
	}

	inserted, err := e.store.ReplaceMerged(ctx, rows)
	if err != nil {
		return res, fmt.Errorf("replace merged: %w", err)
	}
	res.Inserted = inserted

	e.log.Infow("merge complete",
		"positions", res.PositionsRead,
		"inserted", res.Inserted,
		"matched", res.Matched,
		"missing_coord", res.MissingCoord,
		"invalid_stanox", res.InvalidStanox)
	return res, nil
}

// MergedForDate returns the merge rows for the UTC calendar day of
// the given date. A nil date yields an empty result, not an error.
func (e *Engine) MergedForDate(ctx context.Context, date *time.Time) ([]storage.TrainAndRailMergeLite, error) {
	if date == nil {
		return nil, nil
	}
	day := date.UTC()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return e.store.MergedBetween(ctx, from, from.AddDate(0, 0, 1))
}
