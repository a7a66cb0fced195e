package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/courseforge/courseforge-backend/internal/clients/redis"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/sse"
)

// CourseNotifier pushes generation progress to clients. Events go to the
// local SSE hub and, when a bus is configured, to redis so every API
// instance forwards them to its own connections.
type CourseNotifier interface {
	RunQueued(userID uuid.UUID, run *domain.GenerationRun)
	RunProgress(userID uuid.UUID, run *domain.GenerationRun, stage string, progress int, message string)
	RunFailed(userID uuid.UUID, run *domain.GenerationRun, stage string, errorMessage string)
	RunDone(userID uuid.UUID, run *domain.GenerationRun)
	CourseStateChanged(userID uuid.UUID, courseID uuid.UUID, state string)
	UnitReviewNeeded(userID uuid.UUID, courseID uuid.UUID, unitID uuid.UUID, reason string)
}

type courseNotifier struct {
	hub *sse.Hub
	bus redisclient.SSEBus
	log *logger.Logger
}

func NewCourseNotifier(hub *sse.Hub, bus redisclient.SSEBus, baseLog *logger.Logger) CourseNotifier {
	return &courseNotifier{hub: hub, bus: bus, log: baseLog.With("service", "CourseNotifier")}
}

func (n *courseNotifier) emit(msg sse.Message) {
	n.hub.Broadcast(msg)
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("Failed to publish SSE message to bus", "event", msg.Event, "error", err)
		}
	}
}

func (n *courseNotifier) RunQueued(userID uuid.UUID, run *domain.GenerationRun) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventRunQueued,
		Data:    map[string]any{"run": run},
	})
}

func (n *courseNotifier) RunProgress(userID uuid.UUID, run *domain.GenerationRun, stage string, progress int, message string) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventRunProgress,
		Data: map[string]any{
			"run_id":    run.ID,
			"course_id": run.CourseID,
			"job_type":  run.JobType,
			"stage":     stage,
			"progress":  progress,
			"message":   message,
		},
	})
}

func (n *courseNotifier) RunFailed(userID uuid.UUID, run *domain.GenerationRun, stage string, errorMessage string) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventRunFailed,
		Data: map[string]any{
			"run_id":    run.ID,
			"course_id": run.CourseID,
			"job_type":  run.JobType,
			"stage":     stage,
			"error":     errorMessage,
		},
	})
}

func (n *courseNotifier) RunDone(userID uuid.UUID, run *domain.GenerationRun) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventRunDone,
		Data: map[string]any{
			"run_id":    run.ID,
			"course_id": run.CourseID,
			"job_type":  run.JobType,
		},
	})
}

func (n *courseNotifier) CourseStateChanged(userID uuid.UUID, courseID uuid.UUID, state string) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventCourseStateChanged,
		Data: map[string]any{
			"course_id":   courseID,
			"stage_state": state,
		},
	})
}

func (n *courseNotifier) UnitReviewNeeded(userID uuid.UUID, courseID uuid.UUID, unitID uuid.UUID, reason string) {
	n.emit(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventUnitReviewNeeded,
		Data: map[string]any{
			"course_id": courseID,
			"unit_id":   unitID,
			"reason":    reason,
		},
	})
}
