package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/merge"
	"github.com/JacX808/TimathyTrainTime/internal/railref"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

type fakeStatus struct {
	connected bool
	last      time.Time
	counts    map[string]uint64
}

func (f *fakeStatus) IsConnected() bool                { return f.connected }
func (f *fakeStatus) LastMessageAt() time.Time         { return f.last }
func (f *fakeStatus) MessageCount(topic string) uint64 { return f.counts[topic] }

func newTestServer(t *testing.T, feed FeedStatus) (*Server, storage.Store) {
	t.Helper()

	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	log := zap.NewNop().Sugar()
	cfg := Config{
		Addr:   ":0",
		Topics: []string{"TRAIN_MVT"},
	}
	return NewServer(cfg, s, merge.NewEngine(s, log), railref.NewImporter(s, log), feed, nil, log), s
}

func doRequest(t *testing.T, srv *Server, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, body
}

func seedRun(t *testing.T, s storage.Store, trainID string, serviceDate time.Time) {
	t.Helper()

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.InsertTrainRun(ctx, storage.TrainRun{
		TrainID:      trainID,
		ServiceDate:  &serviceDate,
		FirstSeenUTC: serviceDate,
		LastSeenUTC:  serviceDate,
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestHealthWithFeedStatus(t *testing.T) {
	feed := &fakeStatus{
		connected: true,
		last:      time.Now(),
		counts:    map[string]uint64{"TRAIN_MVT": 42},
	}
	srv, _ := newTestServer(t, feed)

	rec, body := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	feedBody, ok := body["feed"].(map[string]any)
	if !ok {
		t.Fatal("health response missing feed section")
	}
	if feedBody["connected"] != true {
		t.Error("connected not reported")
	}
	counts := feedBody["message_counts"].(map[string]any)
	if counts["TRAIN_MVT"] != float64(42) {
		t.Errorf("count = %v, want 42", counts["TRAIN_MVT"])
	}
}

func TestHealthWithoutFeed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := body["feed"]; ok {
		t.Error("feed section present without a live feed")
	}
}

func TestTrainsFilteredByDate(t *testing.T) {
	srv, s := newTestServer(t, nil)

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "1A01", day)
	seedRun(t, s, "1A02", day.AddDate(0, 0, 1))

	rec, body := doRequest(t, srv, http.MethodGet, "/api/trains?date=2026-03-14")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}

	rec, _ = doRequest(t, srv, http.MethodGet, "/api/trains?date=14-03-2026")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}

func TestMovementsForTrain(t *testing.T) {
	srv, s := newTestServer(t, nil)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	_, err = tx.InsertMovementEvent(ctx, storage.MovementEvent{
		TrainID:           "1A01",
		EventType:         "ARRIVAL",
		ActualTimestampMs: at.UnixMilli(),
		LocStanox:         "87701",
		PlannedEventType:  "ARRIVAL",
	})
	if err != nil {
		t.Fatalf("insert movement: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, body := doRequest(t, srv, http.MethodGet, "/api/trains/1A01/movements")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}

	// A from bound past the event excludes it.
	rec, body = doRequest(t, srv, http.MethodGet,
		"/api/trains/1A01/movements?from=2026-03-14T10:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(0) {
		t.Errorf("bounded count = %v, want 0", body["count"])
	}
}

func TestMapServesMergedRows(t *testing.T) {
	srv, s := newTestServer(t, nil)

	lat, lon := 51.46, -0.17
	now := time.Now().UTC()
	_, err := s.ReplaceMerged(context.Background(), []storage.TrainAndRailMergeLite{
		{TrainID: "1A01", LocStanox: "87701", ReportedAt: now, Latitude: &lat, Longitude: &lon},
	})
	if err != nil {
		t.Fatalf("seed merged: %v", err)
	}

	rec, body := doRequest(t, srv, http.MethodGet, "/api/map")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestMergeEndpointReportsCounters(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := doRequest(t, srv, http.MethodPost, "/api/merge")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["positions"] != float64(0) {
		t.Errorf("body = %v", body)
	}
}

func TestImportEndpoint(t *testing.T) {
	srv, s := newTestServer(t, nil)

	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.json")
	plan := filepath.Join(dir, "plan.tsv")
	if err := os.WriteFile(corpus, []byte(`[]`), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	row := "LOC\tA\tCLPHMJC\tClapham Junction\t\t\t529090\t179645\tx\ty\t87701\n"
	if err := os.WriteFile(plan, []byte(row), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	srv.cfg.CorpusPath = corpus
	srv.cfg.BPlanPath = plan

	rec, body := doRequest(t, srv, http.MethodPost, "/api/import")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["locations"] != float64(1) || body["lite"] != float64(1) {
		t.Errorf("body = %v, want 1 location and 1 lite row", body)
	}

	loc, err := s.RailLocationByStanox(context.Background(), "87701")
	if err != nil || loc == nil {
		t.Fatalf("location not stored: %v %v", loc, err)
	}
}

type fakeArchive struct {
	msgs  []storage.FeedMessage
	total uint64
	lastQ storage.ArchiveQuery
}

func (f *fakeArchive) QueryArchive(ctx context.Context, q storage.ArchiveQuery) ([]storage.FeedMessage, error) {
	f.lastQ = q
	return f.msgs, nil
}

func (f *fakeArchive) Count(ctx context.Context, topic string) (uint64, error) {
	return f.total, nil
}

func TestArchiveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	arch := &fakeArchive{
		msgs: []storage.FeedMessage{
			{Topic: "TRAIN_MVT", ReceivedAt: at, MsgType: "0003", TrainID: "1A01", Body: "{}"},
		},
		total: 7,
	}
	srv.archive = arch

	rec, body := doRequest(t, srv, http.MethodGet,
		"/api/archive?topic=TRAIN_MVT&msg_type=0003&train=1A01&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["count"] != float64(1) || body["total"] != float64(7) {
		t.Errorf("count/total = %v/%v, want 1/7", body["count"], body["total"])
	}
	msgs := body["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["train_id"] != "1A01" || first["received_at"] != "2026-03-14T09:00:00Z" {
		t.Errorf("message = %v", first)
	}

	want := storage.ArchiveQuery{Topic: "TRAIN_MVT", MsgType: "0003", TrainID: "1A01", Limit: 5}
	if arch.lastQ != want {
		t.Errorf("query = %+v, want %+v", arch.lastQ, want)
	}

	rec, _ = doRequest(t, srv, http.MethodGet, "/api/archive?since=not-a-time")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestArchiveEndpointDisabled(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := doRequest(t, srv, http.MethodGet, "/api/archive")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body = %v", rec.Code, body)
	}
}

func TestCorpusFetchWithoutURL(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, _ := doRequest(t, srv, http.MethodPost, "/api/corpus/fetch")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
