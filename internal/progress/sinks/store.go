package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/progress"
	"github.com/accessprobe/scand/internal/store"
)

// StoreSink persists an audit trail via a store.AuditRepository. It collapses
// per-impact violation counts within a batch to reduce write amplification.
type StoreSink struct {
	repo   store.AuditRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.AuditRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume records run transitions and collapsed violation deltas. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
			if err := s.handleJobEvent(ctx, evt); err != nil {
				return err
			}
		case progress.StageDetectDone:
			recordViolationStats(stats, evt)
		}
	}

	for key, delta := range stats {
		if delta.count == 0 {
			continue
		}
		if err := s.repo.UpsertViolationStats(ctx, key.jobID, key.impact, delta.count, delta.at); err != nil {
			return fmt.Errorf("upsert violation stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleJobEvent(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageJobStart:
		if err := s.repo.UpsertRunStart(ctx, evt.JobID, evt.URL, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageJobDone:
		if err := s.repo.CompleteRun(ctx, evt.JobID, evt.TS, store.RunCompleted, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageJobError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, evt.JobID, evt.TS, store.RunFailed, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func recordViolationStats(stats map[statsKey]*statsDelta, evt progress.Event) {
	for impact, count := range evt.ByImpact {
		if count <= 0 {
			continue
		}
		key := statsKey{jobID: evt.JobID, impact: impact}
		stat := stats[key]
		if stat == nil {
			stat = &statsDelta{}
			stats[key] = stat
		}
		stat.count += count
		if evt.TS.After(stat.at) || stat.at.IsZero() {
			stat.at = evt.TS
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	jobID  string
	impact string
}

type statsDelta struct {
	count int64
	at    time.Time
}
