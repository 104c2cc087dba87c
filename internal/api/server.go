// Package api exposes the query and admin surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/merge"
	"github.com/JacX808/TimathyTrainTime/internal/railref"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

const dateLayout = "2006-01-02"

// FeedStatus is the receiver surface the health endpoint reports on.
type FeedStatus interface {
	IsConnected() bool
	LastMessageAt() time.Time
	MessageCount(topic string) uint64
}

// ArchiveReader is the read surface of the raw feed message archive.
type ArchiveReader interface {
	QueryArchive(ctx context.Context, q storage.ArchiveQuery) ([]storage.FeedMessage, error)
	Count(ctx context.Context, topic string) (uint64, error)
}

// Config holds the listener address and the reference data locations
// the admin endpoints operate on.
type Config struct {
	Addr       string
	Topics     []string
	CorpusPath string
	BPlanPath  string
	DataDir    string
	Download   railref.DownloadConfig
}

// Server answers train, position and map queries and triggers imports
// and merges.
type Server struct {
	cfg      Config
	store    storage.Store
	merger   *merge.Engine
	importer *railref.Importer
	feed     FeedStatus    // nil when serving without a live feed
	archive  ArchiveReader // nil when the archive is disabled
	log      *zap.SugaredLogger
}

// NewServer wires the query server. feed and archive may be nil.
func NewServer(cfg Config, store storage.Store, merger *merge.Engine,
	importer *railref.Importer, feed FeedStatus, archive ArchiveReader,
	log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		merger:   merger,
		importer: importer,
		feed:     feed,
		archive:  archive,
		log:      log,
	}
}

// Run starts the HTTP listener and blocks.
func (s *Server) Run() error {
	s.log.Infow("http api starting", "addr", s.cfg.Addr)
	return http.ListenAndServe(s.cfg.Addr, s.Router())
}

// Router returns the configured chi router for embedding and tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/trains", s.handleTrains)
		r.Get("/trains/{id}/movements", s.handleMovements)
		r.Get("/positions", s.handlePositions)
		r.Get("/map", s.handleMap)
		r.Get("/archive", s.handleArchive)

		r.Post("/import", s.handleImport)
		r.Post("/merge", s.handleMerge)
		r.Post("/corpus/fetch", s.handleCorpusFetch)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if s.feed != nil {
		feed := map[string]any{
			"connected": s.feed.IsConnected(),
		}
		if last := s.feed.LastMessageAt(); !last.IsZero() {
			feed["last_message_at"] = last.UTC().Format(time.RFC3339)
		}
		counts := make(map[string]uint64, len(s.cfg.Topics))
		for _, topic := range s.cfg.Topics {
			counts[topic] = s.feed.MessageCount(topic)
		}
		feed["message_counts"] = counts
		resp["feed"] = feed
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrains(w http.ResponseWriter, r *http.Request) {
	date, err := optionalDate(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date (use YYYY-MM-DD)")
		return
	}

	ids, err := s.store.TrainIDs(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trains": ids, "count": len(ids)})
}

// MovementResponse is one movement report as served to clients.
type MovementResponse struct {
	TrainID            string  `json:"train_id"`
	EventType          string  `json:"event_type"`
	ActualTimestamp    string  `json:"actual_timestamp"`
	LocStanox          string  `json:"loc_stanox"`
	PlannedEventType   string  `json:"planned_event_type,omitempty"`
	Platform           *string `json:"platform,omitempty"`
	VariationStatus    *string `json:"variation_status,omitempty"`
	TimetableVariation *int    `json:"timetable_variation,omitempty"`
	TocID              *string `json:"toc_id,omitempty"`
	NextReportStanox   *string `json:"next_report_stanox,omitempty"`
	TrainTerminated    bool    `json:"train_terminated"`
	OffrouteInd        bool    `json:"offroute_ind"`
}

func movementToResponse(ev storage.MovementEvent) MovementResponse {
	return MovementResponse{
		TrainID:            ev.TrainID,
		EventType:          ev.EventType,
		ActualTimestamp:    time.UnixMilli(ev.ActualTimestampMs).UTC().Format(time.RFC3339),
		LocStanox:          ev.LocStanox,
		PlannedEventType:   ev.PlannedEventType,
		Platform:           ev.Platform,
		VariationStatus:    ev.VariationStatus,
		TimetableVariation: ev.TimetableVariation,
		TocID:              ev.TocID,
		NextReportStanox:   ev.NextReportStanox,
		TrainTerminated:    ev.TrainTerminated,
		OffrouteInd:        ev.OffrouteInd,
	}
}

func (s *Server) handleMovements(w http.ResponseWriter, r *http.Request) {
	trainID := chi.URLParam(r, "id")
	if trainID == "" {
		writeError(w, http.StatusBadRequest, "train id is required")
		return
	}

	from, err := optionalTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from (use RFC 3339)")
		return
	}
	to, err := optionalTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to (use RFC 3339)")
		return
	}

	events, err := s.store.MovementsForTrain(r.Context(), trainID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]MovementResponse, 0, len(events))
	for _, ev := range events {
		results = append(results, movementToResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": results, "count": len(results)})
}

// PositionResponse is one current position snapshot.
type PositionResponse struct {
	TrainID         string  `json:"train_id"`
	LocStanox       string  `json:"loc_stanox"`
	ReportedAt      string  `json:"reported_at"`
	Direction       *string `json:"direction,omitempty"`
	Line            *string `json:"line,omitempty"`
	VariationStatus *string `json:"variation_status,omitempty"`
}

func positionToResponse(p storage.CurrentTrainPosition) PositionResponse {
	return PositionResponse{
		TrainID:         p.TrainID,
		LocStanox:       p.LocStanox,
		ReportedAt:      p.ReportedAt.UTC().Format(time.RFC3339),
		Direction:       p.Direction,
		Line:            p.Line,
		VariationStatus: p.VariationStatus,
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := storage.PositionQuery{
		TrainID: r.URL.Query().Get("train"),
		Stanox:  r.URL.Query().Get("stanox"),
	}
	since, err := optionalTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since (use RFC 3339)")
		return
	}
	q.Since = since

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	positions, err := s.store.QueryPositions(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		results = append(results, positionToResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": results, "count": len(results)})
}

// MapPoint is one plottable train for map clients.
type MapPoint struct {
	TrainID    string   `json:"train_id"`
	LocStanox  string   `json:"loc_stanox"`
	ReportedAt string   `json:"reported_at"`
	Direction  *string  `json:"direction,omitempty"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	date, err := optionalDate(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date (use YYYY-MM-DD)")
		return
	}
	if date == nil {
		today := time.Now().UTC()
		date = &today
	}

	rows, err := s.merger.MergedForDate(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	points := make([]MapPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, MapPoint{
			TrainID:    row.TrainID,
			LocStanox:  row.LocStanox,
			ReportedAt: row.ReportedAt.UTC().Format(time.RFC3339),
			Direction:  row.Direction,
			Latitude:   row.Latitude,
			Longitude:  row.Longitude,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
}

// ArchiveMessageResponse is one archived raw feed message.
type ArchiveMessageResponse struct {
	Topic      string `json:"topic"`
	ReceivedAt string `json:"received_at"`
	MsgType    string `json:"msg_type,omitempty"`
	TrainID    string `json:"train_id,omitempty"`
	Body       string `json:"body"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive is not enabled")
		return
	}

	q := storage.ArchiveQuery{
		Topic:   r.URL.Query().Get("topic"),
		MsgType: r.URL.Query().Get("msg_type"),
		TrainID: r.URL.Query().Get("train"),
	}
	since, err := optionalTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since (use RFC 3339)")
		return
	}
	q.Since = since

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	msgs, err := s.archive.QueryArchive(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.archive.Count(r.Context(), q.Topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]ArchiveMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, ArchiveMessageResponse{
			Topic:      m.Topic,
			ReceivedAt: m.ReceivedAt.UTC().Format(time.RFC3339),
			MsgType:    m.MsgType,
			TrainID:    m.TrainID,
			Body:       m.Body,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": results,
		"count":    len(results),
		"total":    total,
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	inserted, err := s.importer.ImportRailLocations(r.Context(), s.cfg.CorpusPath, s.cfg.BPlanPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lite, err := s.importer.ImportRailLocationLite(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"locations": inserted,
		"lite":      lite,
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	res, err := s.merger.MergeTrainAndRail(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"positions":      res.PositionsRead,
		"inserted":       res.Inserted,
		"matched":        res.Matched,
		"missing_coord":  res.MissingCoord,
		"invalid_stanox": res.InvalidStanox,
	})
}

func (s *Server) handleCorpusFetch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Download.URL == "" {
		writeError(w, http.StatusBadRequest, "no corpus url configured")
		return
	}

	dest := filepath.Join(s.cfg.DataDir, "corpus.json")
	path, err := railref.DownloadReferenceArchive(r.Context(), s.cfg.Download, dest)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
}

func optionalDate(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
