package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/fsm"
	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
	"github.com/courseforge/courseforge-backend/internal/jobs/tracker"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// StageProgress is one stage's slice of a course status report. Unit counts
// are zero for stage-level (non-fan-out) stages.
type StageProgress struct {
	StageID   int                    `json:"stage_id"`
	Name      string                 `json:"name"`
	FanOut    bool                   `json:"fan_out"`
	UnitsDone int                    `json:"units_done"`
	UnitsAll  int                    `json:"units_all"`
	Counts    repos.UnitStatusCounts `json:"counts"`
}

type CourseStatus struct {
	Course    *domain.Course        `json:"course"`
	Stages    []StageProgress       `json:"stages"`
	LatestRun *domain.GenerationRun `json:"latest_run,omitempty"`
}

// CourseService is the outward-facing API over course generation: starting a
// course, reading its progress, and cancelling it mid-flight.
type CourseService interface {
	StartCourse(ctx context.Context, ownerID uuid.UUID, orgID *uuid.UUID, topic string, documentKeys []string) (*domain.Course, *domain.GenerationRun, error)
	GetCourseStatus(ctx context.Context, courseID uuid.UUID) (*CourseStatus, error)
	CancelCourse(ctx context.Context, courseID uuid.UUID) error
	ListTrace(ctx context.Context, courseID uuid.UUID, limit int) ([]*domain.TraceEvent, error)
}

type courseService struct {
	log     *logger.Logger
	courses repos.CourseRepo
	units   repos.StageUnitRepo
	runs    repos.GenerationRunRepo
	trace   repos.TraceEventRepo
	machine *fsm.Machine
	notify  CourseNotifier
}

func NewCourseService(
	baseLog *logger.Logger,
	courses repos.CourseRepo,
	units repos.StageUnitRepo,
	runs repos.GenerationRunRepo,
	trace repos.TraceEventRepo,
	machine *fsm.Machine,
	notify CourseNotifier,
) CourseService {
	return &courseService{
		log:     baseLog.With("service", "CourseService"),
		courses: courses,
		units:   units,
		runs:    runs,
		trace:   trace,
		machine: machine,
		notify:  notify,
	}
}

func (s *courseService) StartCourse(ctx context.Context, ownerID uuid.UUID, orgID *uuid.UUID, topic string, documentKeys []string) (*domain.Course, *domain.GenerationRun, error) {
	topic = strings.TrimSpace(topic)
	if ownerID == uuid.Nil {
		return nil, nil, fmt.Errorf("owner_user_id is required")
	}
	if topic == "" {
		return nil, nil, fmt.Errorf("topic is required")
	}
	// Documents are optional; a topic-only course generates from the topic
	// alone. Keys that are present must be real.
	for _, k := range documentKeys {
		if strings.TrimSpace(k) == "" {
			return nil, nil, fmt.Errorf("document keys must be non-empty")
		}
	}
	dbc := dbctx.Context{Ctx: ctx}

	if documentKeys == nil {
		documentKeys = []string{}
	}
	keysRaw, err := json.Marshal(documentKeys)
	if err != nil {
		return nil, nil, err
	}
	created, err := s.courses.Create(dbc, []*domain.Course{{
		OwnerUserID:  ownerID,
		OrgID:        orgID,
		Topic:        topic,
		StageState:   stagedef.StatePending,
		DocumentKeys: keysRaw,
	}})
	if err != nil || len(created) == 0 {
		return nil, nil, fmt.Errorf("create course: %w", err)
	}
	course := created[0]

	payload, _ := json.Marshal(map[string]any{"course_id": course.ID.String()})
	runs, err := s.runs.Create(dbc, []*domain.GenerationRun{{
		OwnerUserID: ownerID,
		CourseID:    course.ID,
		JobType:     domain.JobTypeCourseGeneration,
		Status:      domain.RunStatusQueued,
		Stage:       "queued",
		Payload:     payload,
	}})
	if err != nil || len(runs) == 0 {
		return nil, nil, fmt.Errorf("enqueue generation run: %w", err)
	}
	run := runs[0]

	s.log.Info("Course generation queued", "course_id", course.ID, "run_id", run.ID, "documents", len(documentKeys))
	s.notify.RunQueued(ownerID, run)
	return course, run, nil
}

func (s *courseService) GetCourseStatus(ctx context.Context, courseID uuid.UUID) (*CourseStatus, error) {
	dbc := dbctx.Context{Ctx: ctx}
	courses, err := s.courses.GetByIDs(dbc, []uuid.UUID{courseID})
	if err != nil {
		return nil, err
	}
	if len(courses) == 0 {
		return nil, fmt.Errorf("course %s not found", courseID)
	}
	status := &CourseStatus{Course: courses[0]}

	for _, stage := range stagedef.Stages() {
		sp := StageProgress{StageID: stage.ID, Name: stage.Name, FanOut: stage.FanOutKind != ""}
		if sp.FanOut {
			counts, err := s.units.CountByCourseStage(dbc, courseID, stage.ID)
			if err != nil {
				return nil, err
			}
			sp.Counts = counts
			sp.UnitsDone, sp.UnitsAll = tracker.Progress(counts)
		}
		status.Stages = append(status.Stages, sp)
	}

	run, err := s.runs.GetLatestForCourse(dbc, courseID, domain.JobTypeCourseGeneration)
	if err == nil {
		status.LatestRun = run
	}
	return status, nil
}

// CancelCourse closes the course state machine and pulls every queued or
// running run for it out of the queue. Runs already mid-claim notice the
// canceled status on their next guarded write and go quiet.
func (s *courseService) CancelCourse(ctx context.Context, courseID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	courses, err := s.courses.GetByIDs(dbc, []uuid.UUID{courseID})
	if err != nil {
		return err
	}
	if len(courses) == 0 {
		return fmt.Errorf("course %s not found", courseID)
	}
	course := courses[0]

	outcome, err := s.machine.Cancel(dbc, courseID)
	if err != nil {
		return err
	}
	n, err := s.runs.CancelActiveForCourse(dbc, courseID)
	if err != nil {
		return err
	}
	s.log.Info("Course canceled", "course_id", courseID, "runs_canceled", n)
	if outcome == fsm.Applied {
		s.notify.CourseStateChanged(course.OwnerUserID, courseID, stagedef.StateCancelled)
	}
	return nil
}

func (s *courseService) ListTrace(ctx context.Context, courseID uuid.UUID, limit int) ([]*domain.TraceEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.trace.ListForCourse(dbctx.Context{Ctx: ctx}, courseID, limit)
}
