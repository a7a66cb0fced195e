// Package unitexec runs the generate-evaluate-retry loop for one unit of
// work: a stage unit (document, lesson) or a stage-level artifact. It is the
// only place attempts are opened and closed, so the append-only attempt
// history and the retry budget stay consistent no matter which pipeline
// calls in.
package unitexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/quality"
	"github.com/courseforge/courseforge-backend/internal/quality/retrypolicy"
	"github.com/courseforge/courseforge-backend/internal/services"
)

// Producer generates one draft of the artifact under evaluation. Guidance
// from the previous rejection is threaded in so retries are steered.
type Producer interface {
	Kind() quality.ArtifactKind
	Generate(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error)
}

// ProducerFunc adapts a closure to Producer.
type ProducerFunc struct {
	ArtifactKind quality.ArtifactKind
	Fn           func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error)
}

func (p ProducerFunc) Kind() quality.ArtifactKind { return p.ArtifactKind }
func (p ProducerFunc) Generate(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return p.Fn(dbc, tier, g)
}

type Executor struct {
	attempts repos.UnitAttemptRepo
	units    repos.StageUnitRepo
	cascade  *quality.Cascade
	gen      services.ArtifactGenerator
	trace    services.TraceRecorder
	policy   retrypolicy.Config
	log      *logger.Logger
}

func New(attempts repos.UnitAttemptRepo, units repos.StageUnitRepo, cascade *quality.Cascade, gen services.ArtifactGenerator, trace services.TraceRecorder, policy retrypolicy.Config, baseLog *logger.Logger) *Executor {
	return &Executor{
		attempts: attempts,
		units:    units,
		cascade:  cascade,
		gen:      gen,
		trace:    trace,
		policy:   policy,
		log:      baseLog.With("component", "UnitExecutor"),
	}
}

// ExecuteUnit runs the loop for a fan-out unit. On acceptance it returns the
// accepted artifact; on exhaustion or a human-review escalation it marks the
// unit terminally errored (setting needs_human_review) and returns the
// terminal error.
func (e *Executor) ExecuteUnit(dbc dbctx.Context, unit *domain.StageUnit, step string, producer Producer) (quality.Artifact, error) {
	art, err := e.run(dbc, unit.CourseID, unit.StageID, &unit.ID, step, producer)
	if err != nil {
		reason := err.Error()
		review := faults.IsExhausted(err) || isHumanEscalation(err)
		if _, mErr := e.units.MarkTerminal(dbc, unit.ID, domain.UnitError, reason, review); mErr != nil {
			e.log.Error("Failed to mark unit terminal", "unit_id", unit.ID, "error", mErr)
		}
		return quality.Artifact{}, err
	}
	return art, nil
}

// ExecuteStageArtifact runs the loop for a stage-level artifact (no fan-out;
// attempts keyed by course+stage with a nil unit id).
func (e *Executor) ExecuteStageArtifact(dbc dbctx.Context, courseID uuid.UUID, stageID int, step string, producer Producer) (quality.Artifact, error) {
	return e.run(dbc, courseID, stageID, nil, step, producer)
}

type humanEscalationError struct {
	CourseID uuid.UUID
	StageID  int
}

func (e *humanEscalationError) Error() string {
	return fmt.Sprintf("judges escalated course %s stage %d to human review", e.CourseID, e.StageID)
}

func isHumanEscalation(err error) bool {
	var t *humanEscalationError
	return errors.As(err, &t)
}

// IsTerminal reports whether the error means the unit settled for good
// (budget exhausted or escalated to a human). Callers should not retry the
// surrounding run; the unit row already carries the outcome.
func IsTerminal(err error) bool {
	return faults.IsExhausted(err) || isHumanEscalation(err)
}

func (e *Executor) run(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID, step string, producer Producer) (quality.Artifact, error) {
	var (
		guidance    quality.Guidance
		lastArt     quality.Artifact
		useTargeted bool
	)

	for {
		if dbc.Ctx != nil {
			if err := dbc.Ctx.Err(); err != nil {
				return quality.Artifact{}, err
			}
		}

		history, err := e.attempts.ListForUnit(dbc, courseID, stageID, unitID)
		if err != nil {
			return quality.Artifact{}, &faults.InfraError{Op: "unitexec.history", Err: err}
		}
		attemptsMade := len(history)
		if attemptsMade >= e.policy.Budget() {
			return quality.Artifact{}, &faults.ExhaustedError{UnitID: deref(unitID), Attempts: attemptsMade}
		}
		tier := retrypolicy.TierFor(attemptsMade+1, e.policy)

		attempt, err := e.attempts.Begin(dbc, courseID, stageID, unitID, string(tier))
		if err != nil {
			return quality.Artifact{}, &faults.InfraError{Op: "unitexec.begin", Err: err}
		}
		if attempt == nil {
			// Unit went terminal or another worker holds an open attempt.
			return quality.Artifact{}, fmt.Errorf("attempt precondition failed for course %s stage %d", courseID, stageID)
		}
		if unitID != nil {
			if err := e.units.IncrementAttempts(dbc, *unitID); err != nil {
				e.log.Warn("Failed to bump unit attempt count", "unit_id", *unitID, "error", err)
			}
		}

		art, usage, genErr := e.produce(dbc, tier, producer, lastArt, guidance, useTargeted)
		if genErr != nil {
			e.closeAttempt(dbc, attempt, "", nil, usage, tier, genErr)
			e.trace.RecordError(courseID, stageID, step, unitID, genErr.Error())
			// Provider failures consume an attempt and retry through the
			// same budget as rejections.
			decision := retrypolicy.Decide(attempt.AttemptNumber, quality.RecommendRegenerate, false, e.policy)
			if decision.Action == retrypolicy.ActionGiveUp {
				return quality.Artifact{}, &faults.ExhaustedError{UnitID: deref(unitID), Attempts: attempt.AttemptNumber}
			}
			useTargeted = false
			continue
		}

		res, evalErr := e.cascade.Evaluate(ctxOf(dbc), art)
		if evalErr != nil {
			e.closeAttempt(dbc, attempt, "", nil, usage, tier, evalErr)
			e.trace.RecordError(courseID, stageID, step, unitID, evalErr.Error())
			return quality.Artifact{}, evalErr
		}

		e.closeAttempt(dbc, attempt, string(res.Final.Recommendation), &res, usage, tier, nil)
		e.trace.RecordStep(courseID, stageID, step, unitID,
			fmt.Sprintf("attempt %d on tier %s", attempt.AttemptNumber, tier),
			fmt.Sprintf("verdict %s (stage %s, score %.2f)", res.Final.Recommendation, res.ReachedStage, res.Final.Score),
			map[string]any{
				"attempt":       attempt.AttemptNumber,
				"model_tier":    string(tier),
				"reached_stage": string(res.ReachedStage),
				"score":         res.Final.Score,
				"tokens":        usage.TotalTokens,
			})

		if res.Final.Recommendation == quality.RecommendAccept {
			return art, nil
		}

		supportsPatch := e.gen.SupportsPatch(producer.Kind()) && len(art.Sections) > 0
		decision := retrypolicy.Decide(attempt.AttemptNumber, res.Final.Recommendation, supportsPatch, e.policy)
		switch decision.Action {
		case retrypolicy.ActionEscalateHuman:
			return quality.Artifact{}, &humanEscalationError{CourseID: courseID, StageID: stageID}
		case retrypolicy.ActionGiveUp:
			return quality.Artifact{}, &faults.ExhaustedError{UnitID: deref(unitID), Attempts: attempt.AttemptNumber}
		case retrypolicy.ActionTargetedFix:
			useTargeted = true
		default:
			useTargeted = false
		}
		guidance = res.Final.Guidance
		lastArt = art
		e.log.Info("Attempt rejected, retrying",
			"course_id", courseID, "stage_id", stageID,
			"attempt", attempt.AttemptNumber,
			"verdict", res.Final.Recommendation,
			"next_tier", decision.NextTier,
			"targeted", useTargeted)
	}
}

func (e *Executor) produce(dbc dbctx.Context, tier domain.ModelTier, producer Producer, lastArt quality.Artifact, g quality.Guidance, targeted bool) (quality.Artifact, services.Usage, error) {
	if targeted && len(lastArt.Sections) > 0 {
		return e.gen.PatchSection(ctxOf(dbc), tier, lastArt, g.SectionHints, g)
	}
	return producer.Generate(dbc, tier, g)
}

func (e *Executor) closeAttempt(dbc dbctx.Context, attempt *domain.UnitAttempt, verdict string, res *quality.CascadeResult, usage services.Usage, tier domain.ModelTier, runErr error) {
	updates := map[string]interface{}{
		"completed_at": time.Now(),
		"tokens_used":  usage.TotalTokens,
		"cost_cents":   e.gen.CostCents(tier, usage),
		"duration_ms":  time.Since(attempt.StartedAt).Milliseconds(),
	}
	if verdict != "" {
		updates["verdict"] = verdict
	}
	if res != nil {
		if b, err := json.Marshal(res); err == nil {
			updates["cascade_detail"] = b
		}
	}
	if runErr != nil {
		updates["error"] = runErr.Error()
	}
	if err := e.attempts.Complete(dbc, attempt.ID, updates); err != nil {
		e.log.Error("Failed to close attempt", "attempt_id", attempt.ID, "error", err)
	}
}

func ctxOf(dbc dbctx.Context) context.Context {
	if dbc.Ctx != nil {
		return dbc.Ctx
	}
	return context.Background()
}

func deref(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
