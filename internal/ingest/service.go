// Package ingest drains the feed receiver in bounded cycles and drives
// the dispatcher, archive, merge and retention stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/merge"
	"github.com/JacX808/TimathyTrainTime/internal/openrail"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
	"github.com/JacX808/TimathyTrainTime/internal/trust"
)

const (
	pollInterval     = 500 * time.Millisecond
	failureDelay     = 5 * time.Second
	maxCycleFailures = 5
	cleanupInterval  = time.Hour
)

// Config bounds one drain cycle and the retention sweep.
type Config struct {
	// Topics to drain, matching the receiver's subscriptions.
	Topics []string

	// MaxMessages caps how many messages one cycle processes.
	MaxMessages int

	// MaxSeconds caps how long one cycle runs.
	MaxSeconds int

	// MergeAfterCycle rebuilds the merged table after each cycle.
	MergeAfterCycle bool

	// RetentionDays prunes events, positions and runs older than this
	// many days. Zero disables the sweep.
	RetentionDays int
}

// FeedSource is the receiver surface the loop drains. Satisfied by
// openrail.Receiver.
type FeedSource interface {
	Messages(topic string) <-chan openrail.Message
	Errors() <-chan error
}

// Service runs the ingestion loop: drain, dispatch, archive, merge.
type Service struct {
	cfg        Config
	receiver   FeedSource
	dispatcher *trust.Dispatcher
	merger     *merge.Engine
	store      storage.Store
	archive    *storage.Archive // nil when disabled
	log        *zap.SugaredLogger

	now         func() time.Time
	lastCleanup time.Time
}

// NewService wires the ingestion stages together. The archive may be
// nil.
func NewService(cfg Config, rcv FeedSource, disp *trust.Dispatcher,
	merger *merge.Engine, store storage.Store, archive *storage.Archive,
	log *zap.SugaredLogger) *Service {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 1000
	}
	if cfg.MaxSeconds <= 0 {
		cfg.MaxSeconds = 20
	}
	return &Service{
		cfg:        cfg,
		receiver:   rcv,
		dispatcher: disp,
		merger:     merger,
		store:      store,
		archive:    archive,
		log:        log,
		now:        time.Now,
	}
}

// Run drains cycles until the context is cancelled or the receiver
// gives up connecting. Cycle failures are retried with a delay; five
// consecutive failures stop the loop.
func (s *Service) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fatal := s.drainErrors(); fatal != nil {
			return fatal
		}

		processed, err := s.runCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failures++
			s.log.Errorw("ingest cycle failed", "consecutive", failures, "error", err)
			if failures >= maxCycleFailures {
				return fmt.Errorf("ingest stopped after %d consecutive failures: %w", failures, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(failureDelay):
			}
			continue
		}
		failures = 0
		if processed > 0 {
			s.log.Infow("ingest cycle complete", "messages", processed)
		}
	}
}

// drainErrors empties the receiver error channel. A connect timeout is
// fatal; everything else is logged.
func (s *Service) drainErrors() error {
	for {
		select {
		case err := <-s.receiver.Errors():
			var timeout *openrail.ConnectTimeoutError
			if errors.As(err, &timeout) {
				return fmt.Errorf("feed connection gave up: %w", err)
			}
			s.log.Warnw("feed error", "error", err)
		default:
			return nil
		}
	}
}

// runCycle drains messages until the message or time budget runs out,
// then flushes the archive, merges and prunes.
func (s *Service) runCycle(ctx context.Context) (int, error) {
	deadline := s.now().Add(time.Duration(s.cfg.MaxSeconds) * time.Second)
	processed := 0
	var raw []storage.FeedMessage

	for processed < s.cfg.MaxMessages && s.now().Before(deadline) {
		drained := false
		for _, topic := range s.cfg.Topics {
			msg, ok := s.tryReceive(topic)
			if !ok {
				continue
			}
			drained = true
			processed++
			s.handleMessage(ctx, msg, &raw)
			if processed >= s.cfg.MaxMessages {
				break
			}
		}
		if drained {
			continue
		}
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	if s.archive != nil && len(raw) > 0 {
		if err := s.archive.ArchiveBatch(ctx, raw); err != nil {
			// The archive is best effort and never blocks ingestion.
			s.log.Warnw("archive batch failed", "messages", len(raw), "error", err)
		}
	}

	if s.cfg.MergeAfterCycle && processed > 0 {
		if _, err := s.merger.MergeTrainAndRail(ctx); err != nil {
			return processed, fmt.Errorf("merge after cycle: %w", err)
		}
	}

	if err := s.maybeCleanup(ctx); err != nil {
		return processed, err
	}
	return processed, nil
}

func (s *Service) tryReceive(topic string) (openrail.Message, bool) {
	select {
	case msg, ok := <-s.receiver.Messages(topic):
		return msg, ok
	default:
		return openrail.Message{}, false
	}
}

func (s *Service) handleMessage(ctx context.Context, msg openrail.Message, raw *[]storage.FeedMessage) {
	if msg.Kind != openrail.KindText {
		s.log.Debugw("skipping non-text message", "topic", msg.Topic, "kind", msg.Kind)
		return
	}

	if s.archive != nil {
		*raw = append(*raw, feedMessage(msg))
	}

	if _, err := s.dispatcher.ProcessPayload(ctx, msg.Body); err != nil {
		// A malformed payload must not take the cycle down.
		s.log.Warnw("dispatch failed", "topic", msg.Topic, "error", err)
	}
}

// feedMessage shapes a wire message for the archive, peeking at the
// first envelope for its type and train.
func feedMessage(msg openrail.Message) storage.FeedMessage {
	fm := storage.FeedMessage{
		Topic:      msg.Topic,
		ReceivedAt: msg.ReceivedAt,
		Body:       string(msg.Body),
	}
	if envs, err := trust.ParseEnvelopes(msg.Body); err == nil && len(envs) > 0 {
		fm.MsgType = envs[0].Header.MsgType
		var peek struct {
			TrainID string `json:"train_id"`
		}
		if json.Unmarshal(envs[0].Body, &peek) == nil {
			fm.TrainID = peek.TrainID
		}
	}
	return fm
}

// maybeCleanup prunes old rows at most once per hour.
func (s *Service) maybeCleanup(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	now := s.now()
	if now.Sub(s.lastCleanup) < cleanupInterval {
		return nil
	}
	s.lastCleanup = now

	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	moved, err := s.store.DeleteOldMovements(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune movements: %w", err)
	}
	pos, err := s.store.DeleteOldPositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune positions: %w", err)
	}
	runs, err := s.store.DeleteOldTrainRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune train runs: %w", err)
	}
	if moved+pos+runs > 0 {
		s.log.Infow("retention sweep",
			"movements", moved, "positions", pos, "runs", runs,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
