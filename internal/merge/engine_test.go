package merge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()

	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewEngine(s, zap.NewNop().Sugar()), s
}

func seedPosition(t *testing.T, s storage.Store, trainID, locStanox string, at time.Time) {
	t.Helper()

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.UpsertCurrentPosition(context.Background(), storage.CurrentTrainPosition{
		TrainID:    trainID,
		LocStanox:  locStanox,
		ReportedAt: at,
	})
	if err != nil {
		t.Fatalf("upsert position: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func f64Ptr(v float64) *float64 { return &v }

func TestMergeCounterInvariant(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err := s.ReplaceRailLocationLite(ctx, []storage.RailLocationLite{
		{Stanox: "87701", Latitude: f64Ptr(51.46), Longitude: f64Ptr(-0.17)},
		{Stanox: "72410"},
	})
	if err != nil {
		t.Fatalf("seed lite: %v", err)
	}

	seedPosition(t, s, "1A01", "87701", now)      // matched
	seedPosition(t, s, "1A02", "68", now)         // padded to 00068, no lite row
	seedPosition(t, s, "1A03", "72410", now)      // lite row without coords
	seedPosition(t, s, "1A04", "not-a-code", now) // invalid stanox

	res, err := eng.MergeTrainAndRail(ctx)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if res.PositionsRead != 4 {
		t.Errorf("positions read = %d, want 4", res.PositionsRead)
	}
	if res.Matched != 1 || res.MissingCoord != 2 || res.InvalidStanox != 1 {
		t.Errorf("counters = %d/%d/%d, want 1 matched, 2 missing, 1 invalid",
			res.Matched, res.MissingCoord, res.InvalidStanox)
	}
	if sum := res.Matched + res.MissingCoord + res.InvalidStanox; sum != res.PositionsRead {
		t.Errorf("counter sum = %d, want %d", sum, res.PositionsRead)
	}
	if res.Inserted != 3 {
		t.Errorf("inserted = %d, want 3 (invalid rows never land)", res.Inserted)
	}

	rows, err := s.MergedBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("merged between: %v", err)
	}
	byTrain := make(map[string]storage.TrainAndRailMergeLite, len(rows))
	for _, row := range rows {
		byTrain[row.TrainID] = row
	}

	matched, ok := byTrain["1A01"]
	if !ok || matched.Latitude == nil || *matched.Latitude != 51.46 {
		t.Errorf("matched row = %+v, want coordinates filled", matched)
	}
	padded, ok := byTrain["1A02"]
	if !ok || padded.LocStanox != "00068" {
		t.Errorf("padded row stanox = %q, want 00068", padded.LocStanox)
	}
	if padded.Latitude != nil {
		t.Errorf("unmatched row latitude = %v, want nil", padded.Latitude)
	}
	if _, ok := byTrain["1A04"]; ok {
		t.Error("invalid stanox row landed in the merge table")
	}
}

func TestMergeWithNoPositionsClearsTable(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	_, err := s.ReplaceMerged(ctx, []storage.TrainAndRailMergeLite{
		{TrainID: "STALE", LocStanox: "87701", ReportedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("seed merged: %v", err)
	}

	res, err := eng.MergeTrainAndRail(ctx)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.PositionsRead != 0 || res.Inserted != 0 {
		t.Errorf("result = %+v, want all-zero", res)
	}

	rows, err := s.MergedBetween(ctx, time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("merged between: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("merge table has %d rows after empty run, want 0", len(rows))
	}
}

func TestMergedForDate(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	_, err := s.ReplaceMerged(ctx, []storage.TrainAndRailMergeLite{
		{TrainID: "1A01", LocStanox: "87701", ReportedAt: time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)},
		{TrainID: "1A02", LocStanox: "87701", ReportedAt: time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("seed merged: %v", err)
	}

	day := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	rows, err := eng.MergedForDate(ctx, &day)
	if err != nil {
		t.Fatalf("merged for date: %v", err)
	}
	if len(rows) != 1 || rows[0].TrainID != "1A01" {
		t.Errorf("rows = %+v, want only the 14th's row", rows)
	}

	rows, err = eng.MergedForDate(ctx, nil)
	if err != nil {
		t.Fatalf("nil date: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("nil date rows = %d, want 0", len(rows))
	}
}
