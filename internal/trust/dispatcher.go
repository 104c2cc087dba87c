package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

// Dispatcher applies feed envelopes to the train state store. Writes
// for one envelope happen inside one transaction, and duplicate keys
// are treated as already-applied so redelivered messages are harmless.
type Dispatcher struct {
	store storage.Store
	log   *zap.SugaredLogger

	// OnMovement, if set, is called after a movement event commits.
	// Only newly inserted events are forwarded, never duplicates.
	OnMovement func(storage.MovementEvent)

	// now is swappable for tests.
	now func() time.Time
}

// NewDispatcher creates a dispatcher writing to the given store.
func NewDispatcher(store storage.Store, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// ProcessPayload decodes a raw broker payload (one envelope or an
// array of envelopes) and applies each one. It returns the number of
// envelopes that resulted in a state mutation; unknown message types
// contribute zero.
func (d *Dispatcher) ProcessPayload(ctx context.Context, payload []byte) (int, error) {
	envs, err := ParseEnvelopes(payload)
	if err != nil {
		return 0, fmt.Errorf("parse payload: %w", err)
	}

	mutated := 0
	for _, env := range envs {
		switch env.Header.MsgType {
		case MsgTypeActivation:
			if d.handleActivation(ctx, env.Body) {
				mutated++
			}
		case MsgTypeMovement:
			if d.handleMovement(ctx, env.Body) {
				mutated++
			}
		default:
			// Unknown or missing type, skip without complaint.
		}
	}
	return mutated, nil
}

func (d *Dispatcher) handleActivation(ctx context.Context, body []byte) bool {
	var act ActivationBody
	if err := decodeBody(body, &act); err != nil {
		d.log.Warnw("bad activation body", "error", err)
		return false
	}
	if act.TrainID == "" {
		return false
	}

	serviceDate := deriveServiceDate(int64(act.OriginDepTimestamp), act.TPOriginTimestamp)
	now := d.now().UTC()

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.log.Errorw("begin activation tx", "error", err)
		return false
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := tx.FindTrainRun(ctx, act.TrainID)
	if err != nil {
		d.log.Errorw("find train run", "train_id", act.TrainID, "error", err)
		return false
	}

	if run == nil {
		newRun := storage.TrainRun{
			TrainID:      act.TrainID,
			TrainUID:     optStr(act.TrainUID),
			TocID:        optStr(act.TocID),
			ServiceDate:  serviceDate,
			FirstSeenUTC: now,
			LastSeenUTC:  now,
		}
		if err := tx.InsertTrainRun(ctx, newRun); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			d.log.Errorw("insert train run", "train_id", act.TrainID, "error", err)
			return false
		}
	} else {
		// Fill only what activation knows and the row is missing.
		if run.TrainUID == nil {
			run.TrainUID = optStr(act.TrainUID)
		}
		if run.TocID == nil {
			run.TocID = optStr(act.TocID)
		}
		if run.ServiceDate == nil {
			run.ServiceDate = serviceDate
		}
		run.LastSeenUTC = now
		if err := tx.UpdateTrainRun(ctx, *run); err != nil {
			d.log.Errorw("update train run", "train_id", act.TrainID, "error", err)
			return false
		}
	}

	if err := tx.Commit(ctx); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		d.log.Errorw("commit activation", "train_id", act.TrainID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) handleMovement(ctx context.Context, body []byte) bool {
	var mov MovementBody
	if err := decodeBody(body, &mov); err != nil {
		d.log.Warnw("bad movement body", "error", err)
		return false
	}
	if mov.TrainID == "" {
		return false
	}

	ev := movementToEvent(mov)
	reportedAt := time.UnixMilli(ev.ActualTimestampMs).UTC()
	now := d.now().UTC()

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.log.Errorw("begin movement tx", "error", err)
		return false
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := tx.InsertMovementEvent(ctx, ev)
	if err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			d.log.Errorw("insert movement", "train_id", ev.TrainID, "error", err)
			return false
		}
		inserted = false
	}

	pos := storage.CurrentTrainPosition{
		TrainID:         ev.TrainID,
		LocStanox:       ev.LocStanox,
		ReportedAt:      reportedAt,
		Direction:       ev.DirectionInd,
		VariationStatus: ev.VariationStatus,
	}
	if err := tx.UpsertCurrentPosition(ctx, pos); err != nil {
		d.log.Errorw("upsert position", "train_id", ev.TrainID, "error", err)
		return false
	}

	// Touch the run; a movement before activation creates a minimal row.
	run, err := tx.FindTrainRun(ctx, ev.TrainID)
	if err != nil {
		d.log.Errorw("find train run", "train_id", ev.TrainID, "error", err)
		return false
	}
	if run == nil {
		minimal := storage.TrainRun{
			TrainID:      ev.TrainID,
			TocID:        ev.TocID,
			FirstSeenUTC: now,
			LastSeenUTC:  now,
		}
		if err := tx.InsertTrainRun(ctx, minimal); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			d.log.Errorw("insert train run", "train_id", ev.TrainID, "error", err)
			return false
		}
	} else {
		run.LastSeenUTC = now
		if err := tx.UpdateTrainRun(ctx, *run); err != nil {
			d.log.Errorw("update train run", "train_id", ev.TrainID, "error", err)
			return false
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Redelivery, already applied.
			return true
		}
		d.log.Errorw("commit movement", "train_id", ev.TrainID, "error", err)
		return false
	}

	if inserted && d.OnMovement != nil {
		d.OnMovement(ev)
	}
	return true
}

func movementToEvent(mov MovementBody) storage.MovementEvent {
	ev := storage.MovementEvent{
		TrainID:              mov.TrainID,
		EventType:            mov.EventType,
		ActualTimestampMs:    int64(mov.ActualTimestamp),
		LocStanox:            mov.LocStanox,
		PlannedTimestampMs:   int64(mov.PlannedTimestamp),
		PlannedEventType:     mov.PlannedEventType,
		EventSource:          mov.EventSource,
		CorrectionInd:        bool(mov.CorrectionInd),
		OffrouteInd:          bool(mov.OffrouteInd),
		DirectionInd:         optStr(mov.DirectionInd),
		Platform:             optStr(strings.TrimSpace(mov.Platform)),
		TrainServiceCode:     optStr(mov.TrainServiceCode),
		DivisionCode:         optStr(mov.DivisionCode),
		TocID:                optStr(mov.TocID),
		VariationStatus:      optStr(mov.VariationStatus),
		NextReportStanox:     optStr(mov.NextReportStanox),
		TrainTerminated:      bool(mov.TrainTerminated),
		DelayMonitoringPoint: bool(mov.DelayMonitoringPoint),
		ReportingStanox:      optStr(mov.ReportingStanox),
		AutoExpected:         bool(mov.AutoExpected),
	}
	if mov.GbttTimestamp != 0 {
		ms := int64(mov.GbttTimestamp)
		ev.GbttTimestampMs = &ms
	}
	if mov.Route != 0 {
		r := int(mov.Route)
		ev.Route = &r
	}
	if mov.TimetableVariation != 0 {
		v := int(mov.TimetableVariation)
		ev.TimetableVariation = &v
	}
	if mov.NextReportRunTime != 0 {
		v := int(mov.NextReportRunTime)
		ev.NextReportRunTime = &v
	}
	return ev
}

// deriveServiceDate works out the calendar date a train runs on: the
// UTC date of the origin departure timestamp when present, otherwise
// the timetable origin date string.
func deriveServiceDate(originDepMs int64, tpOrigin string) *time.Time {
	if originDepMs > 0 {
		t := time.UnixMilli(originDepMs).UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &day
	}
	if tpOrigin != "" {
		if t, err := time.ParseInLocation("2006-01-02", tpOrigin, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

func decodeBody(body []byte, out any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, out)
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
