package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// TraceRecorder writes the append-only step trace. Writes are fire and
// forget: recording never blocks a pipeline and a failed write never fails a
// run. Events are buffered and flushed in batches from one background
// goroutine; when the buffer is full the event is dropped with a warning.
type TraceRecorder interface {
	Record(ev *domain.TraceEvent)
	RecordStep(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, inputSummary, outputSummary string, metrics map[string]any)
	RecordError(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, errDetail string)
	Close()
}

type traceRecorder struct {
	repo   repos.TraceEventRepo
	log    *logger.Logger
	events chan *domain.TraceEvent
	done   chan struct{}
}

func NewTraceRecorder(repo repos.TraceEventRepo, baseLog *logger.Logger) TraceRecorder {
	r := &traceRecorder{
		repo:   repo,
		log:    baseLog.With("service", "TraceRecorder"),
		events: make(chan *domain.TraceEvent, 1024),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *traceRecorder) drain() {
	defer close(r.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	batch := make([]*domain.TraceEvent, 0, 64)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.repo.Append(dbctx.Context{Ctx: ctx}, batch); err != nil {
			r.log.Warn("Trace batch write failed, events dropped", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *traceRecorder) Record(ev *domain.TraceEvent) {
	if ev == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.log.Warn("Trace buffer full, event dropped",
			"course_id", ev.CourseID, "step", ev.StepName)
	}
}

func (r *traceRecorder) RecordStep(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, inputSummary, outputSummary string, metrics map[string]any) {
	var raw datatypes.JSON
	if len(metrics) > 0 {
		if b, err := json.Marshal(metrics); err == nil {
			raw = datatypes.JSON(b)
		}
	}
	r.Record(&domain.TraceEvent{
		CourseID:      courseID,
		StageID:       stageID,
		StepName:      step,
		UnitID:        unitID,
		InputSummary:  truncate(inputSummary, 2000),
		OutputSummary: truncate(outputSummary, 2000),
		Metrics:       raw,
	})
}

func (r *traceRecorder) RecordError(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, errDetail string) {
	r.Record(&domain.TraceEvent{
		CourseID:    courseID,
		StageID:     stageID,
		StepName:    step,
		UnitID:      unitID,
		ErrorDetail: truncate(errDetail, 4000),
	})
}

// Close flushes buffered events and stops the writer.
func (r *traceRecorder) Close() {
	close(r.events)
	select {
	case <-r.done:
	case <-time.After(15 * time.Second):
		r.log.Warn("Trace recorder close timed out")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
