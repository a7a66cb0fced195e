package unitexec

import (
	"context"
	"sync"
	"testing"
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

// ---- fakes ----

type memAttemptRepo struct {
	mu       sync.Mutex
	units    *memUnitRepo
	attempts []*domain.UnitAttempt
}

func (m *memAttemptRepo) key(a *domain.UnitAttempt, courseID uuid.UUID, stageID int, unitID *uuid.UUID) bool {
	if a.CourseID != courseID || a.StageID != stageID {
		return false
	}
	if unitID == nil {
		return a.UnitID == nil
	}
	return a.UnitID != nil && *a.UnitID == *unitID
}

func (m *memAttemptRepo) Begin(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID, modelTier string) (*domain.UnitAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unitID != nil && m.units != nil {
		if u, ok := m.units.units[*unitID]; ok && u.UnitStatus.Terminal() {
			return nil, nil
		}
	}
	last := 0
	for _, a := range m.attempts {
		if !m.key(a, courseID, stageID, unitID) {
			continue
		}
		if a.CompletedAt == nil {
			// open attempt: precondition fails
			return nil, nil
		}
		if a.AttemptNumber > last {
			last = a.AttemptNumber
		}
	}
	attempt := &domain.UnitAttempt{
		ID:            uuid.New(),
		CourseID:      courseID,
		StageID:       stageID,
		UnitID:        unitID,
		AttemptNumber: last + 1,
		ModelTier:     modelTier,
		StartedAt:     time.Now(),
	}
	m.attempts = append(m.attempts, attempt)
	return attempt, nil
}

func (m *memAttemptRepo) Complete(dbc dbctx.Context, attemptID uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID != attemptID || a.CompletedAt != nil {
			continue
		}
		now := time.Now()
		a.CompletedAt = &now
		if v, ok := updates["verdict"].(string); ok {
			a.Verdict = v
		}
		if v, ok := updates["tokens_used"].(int); ok {
			a.TokensUsed = v
		}
		if v, ok := updates["cost_cents"].(int); ok {
			a.CostCents = v
		}
		if v, ok := updates["error"].(string); ok {
			a.Error = v
		}
		return nil
	}
	return nil
}

func (m *memAttemptRepo) ListForUnit(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID) ([]*domain.UnitAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UnitAttempt
	for _, a := range m.attempts {
		if m.key(a, courseID, stageID, unitID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttemptRepo) SumUsageForCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens, cost int64
	for _, a := range m.attempts {
		if a.CourseID == courseID {
			tokens += int64(a.TokensUsed)
			cost += int64(a.CostCents)
		}
	}
	return tokens, cost, nil
}

type memUnitRepo struct {
	mu    sync.Mutex
	units map[uuid.UUID]*domain.StageUnit
}

func (m *memUnitRepo) CreateBatch(dbc dbctx.Context, units []*domain.StageUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		m.units[u.ID] = u
	}
	return nil
}
func (m *memUnitRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.StageUnit, error) {
	return nil, nil
}
func (m *memUnitRepo) GetByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) ([]*domain.StageUnit, error) {
	return nil, nil
}
func (m *memUnitRepo) CountByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (repos.UnitStatusCounts, error) {
	return repos.UnitStatusCounts{}, nil
}
func (m *memUnitRepo) AdvanceStep(dbc dbctx.Context, unitID uuid.UUID, step string, newCompleted int, status domain.UnitStatus) (bool, error) {
	return true, nil
}
func (m *memUnitRepo) MarkTerminal(dbc dbctx.Context, unitID uuid.UUID, status domain.UnitStatus, errDetail string, needsHumanReview bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok || u.UnitStatus.Terminal() {
		return false, nil
	}
	u.UnitStatus = status
	u.Error = errDetail
	u.NeedsHumanReview = needsHumanReview
	return true, nil
}
func (m *memUnitRepo) IncrementAttempts(dbc dbctx.Context, unitID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[unitID]; ok {
		u.AttemptCount++
	}
	return nil
}

// scriptedJudge returns a fixed sequence of verdicts, repeating the last.
type scriptedJudge struct {
	mu       sync.Mutex
	id       string
	verdicts []quality.JudgeVerdict
	i        int
}

func (s *scriptedJudge) ModelID() string { return s.id }
func (s *scriptedJudge) Evaluate(ctx context.Context, art quality.Artifact, rubric []quality.Criterion) (quality.JudgeVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.verdicts[s.i]
	if s.i < len(s.verdicts)-1 {
		s.i++
	}
	v.ModelID = s.id
	return v, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	patched int
}

func (f *fakeGenerator) artifact() (quality.Artifact, services.Usage, error) {
	art := quality.Artifact{
		Kind:    quality.ArtifactLessonContent,
		Content: "lesson content comfortably above any minimum length threshold",
		Sections: []quality.Section{
			{Name: "introduction", Body: "intro"},
			{Name: "body", Body: "body"},
			{Name: "summary", Body: "summary"},
		},
		Examples: 2,
	}
	return art, services.Usage{TotalTokens: 100}, nil
}

func (f *fakeGenerator) SummarizeDocument(ctx context.Context, tier domain.ModelTier, topic, doc string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return f.artifact()
}
func (f *fakeGenerator) ClassifyCourse(ctx context.Context, tier domain.ModelTier, topic string, s []string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return f.artifact()
}
func (f *fakeGenerator) AnalyzeMaterials(ctx context.Context, tier domain.ModelTier, topic string, s []string, c string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return f.artifact()
}
func (f *fakeGenerator) GenerateStructure(ctx context.Context, tier domain.ModelTier, topic, a string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return f.artifact()
}
func (f *fakeGenerator) GenerateLessonContent(ctx context.Context, tier domain.ModelTier, topic, title, s string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	return f.artifact()
}
func (f *fakeGenerator) PatchSection(ctx context.Context, tier domain.ModelTier, art quality.Artifact, hints []string, g quality.Guidance) (quality.Artifact, services.Usage, error) {
	f.mu.Lock()
	f.patched++
	f.mu.Unlock()
	return f.artifact()
}
func (f *fakeGenerator) SupportsPatch(kind quality.ArtifactKind) bool { return true }
func (f *fakeGenerator) CostCents(tier domain.ModelTier, u services.Usage) int {
	return u.TotalTokens / 100
}

type noopTrace struct{}

func (noopTrace) Record(ev *domain.TraceEvent) {}
func (noopTrace) RecordStep(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, in, out string, m map[string]any) {
}
func (noopTrace) RecordError(courseID uuid.UUID, stageID int, step string, unitID *uuid.UUID, d string) {
}
func (noopTrace) Close() {}

// ---- harness ----

func testExecutor(t *testing.T, judges []quality.Judge, cfg retrypolicy.Config) (*Executor, *memAttemptRepo, *memUnitRepo, *fakeGenerator) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	profiles := &quality.ProfileSet{Profiles: map[quality.ArtifactKind]quality.Profile{}}
	cascade := quality.NewCascade(profiles, judges, log)
	unitRepo := &memUnitRepo{units: map[uuid.UUID]*domain.StageUnit{}}
	attemptRepo := &memAttemptRepo{units: unitRepo}
	gen := &fakeGenerator{}
	ex := New(attemptRepo, unitRepo, cascade, gen, noopTrace{}, cfg, log)
	return ex, attemptRepo, unitRepo, gen
}

func seedLessonUnit(t *testing.T, repo *memUnitRepo, courseID uuid.UUID) *domain.StageUnit {
	t.Helper()
	u := &domain.StageUnit{CourseID: courseID, StageID: 6, Kind: domain.UnitKindLesson, UnitStatus: domain.UnitPending}
	if err := repo.CreateBatch(dbctx.Context{}, []*domain.StageUnit{u}); err != nil {
		t.Fatal(err)
	}
	return u
}

func lessonProducer(gen *fakeGenerator) Producer {
	return ProducerFunc{
		ArtifactKind: quality.ArtifactLessonContent,
		Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
			return gen.artifact()
		},
	}
}

func accept(score float64) quality.JudgeVerdict {
	return quality.JudgeVerdict{Score: score, Recommendation: quality.RecommendAccept}
}

func regenerate(score float64) quality.JudgeVerdict {
	return quality.JudgeVerdict{Score: score, Recommendation: quality.RecommendRegenerate}
}

// ---- tests ----

func TestExecuteUnitAcceptFirstAttempt(t *testing.T) {
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{accept(0.9)}},
	}
	ex, attempts, unitRepo, gen := testExecutor(t, judges, retrypolicy.Config{RetriesPerTier: 2})
	courseID := uuid.New()
	unit := seedLessonUnit(t, unitRepo, courseID)

	art, err := ex.ExecuteUnit(dbctx.Context{Ctx: context.Background()}, unit, "generate_lesson", lessonProducer(gen))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if art.Kind != quality.ArtifactLessonContent {
		t.Fatalf("unexpected artifact %+v", art)
	}

	history, _ := attempts.ListForUnit(dbctx.Context{}, courseID, 6, &unit.ID)
	if len(history) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(history))
	}
	a := history[0]
	if a.AttemptNumber != 1 || a.ModelTier != string(domain.TierSmall) {
		t.Fatalf("attempt %+v", a)
	}
	if a.CompletedAt == nil || a.Verdict != string(quality.RecommendAccept) {
		t.Fatalf("attempt not closed with accept: %+v", a)
	}
	if unit.UnitStatus.Terminal() {
		t.Fatal("executor must not mark the unit; the pipeline records the step")
	}
}

func TestExecuteUnitRetriesThenAccepts(t *testing.T) {
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{regenerate(0.2), regenerate(0.25), accept(0.85)}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{accept(0.9)}},
	}
	ex, attempts, unitRepo, gen := testExecutor(t, judges, retrypolicy.Config{RetriesPerTier: 2})
	courseID := uuid.New()
	unit := seedLessonUnit(t, unitRepo, courseID)

	_, err := ex.ExecuteUnit(dbctx.Context{Ctx: context.Background()}, unit, "generate_lesson", lessonProducer(gen))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	history, _ := attempts.ListForUnit(dbctx.Context{}, courseID, 6, &unit.ID)
	if len(history) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(history))
	}
	wantTiers := []domain.ModelTier{domain.TierSmall, domain.TierSmall, domain.TierMedium}
	for i, a := range history {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt numbers not monotonic: %+v", a)
		}
		if a.ModelTier != string(wantTiers[i]) {
			t.Fatalf("attempt %d tier %s, want %s", i+1, a.ModelTier, wantTiers[i])
		}
		if a.CompletedAt == nil {
			t.Fatalf("attempt %d left open", i+1)
		}
		if i > 0 {
			prev := history[i-1]
			// Append-only history with no overlapping open intervals.
			if a.StartedAt.Before(prev.StartedAt) || prev.CompletedAt.After(a.StartedAt) {
				t.Fatalf("attempt intervals overlap: %v..%v then %v..%v",
					prev.StartedAt, prev.CompletedAt, a.StartedAt, a.CompletedAt)
			}
		}
	}
	if unit.AttemptCount != 3 {
		t.Fatalf("unit attempt count %d", unit.AttemptCount)
	}
}

func TestExecuteUnitExhaustionMarksHumanReview(t *testing.T) {
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{regenerate(0.2)}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{regenerate(0.2)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{regenerate(0.2)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{regenerate(0.2)}},
	}
	cfg := retrypolicy.Config{RetriesPerTier: 1}
	ex, attempts, unitRepo, gen := testExecutor(t, judges, cfg)
	courseID := uuid.New()
	unit := seedLessonUnit(t, unitRepo, courseID)

	_, err := ex.ExecuteUnit(dbctx.Context{Ctx: context.Background()}, unit, "generate_lesson", lessonProducer(gen))
	if !faults.IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	history, _ := attempts.ListForUnit(dbctx.Context{}, courseID, 6, &unit.ID)
	if len(history) != cfg.Budget() {
		t.Fatalf("expected exactly %d attempts, got %d", cfg.Budget(), len(history))
	}
	if unit.UnitStatus != domain.UnitError {
		t.Fatalf("unit status %s", unit.UnitStatus)
	}
	if !unit.NeedsHumanReview {
		t.Fatal("exhausted unit must be flagged for human review")
	}
}

func TestExecuteUnitJudgeEscalationStopsImmediately(t *testing.T) {
	// Single judge ambiguous, both panel judges and the tie-breaker all
	// disagree: the panel escalates to a human on the first attempt.
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{accept(0.5)}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{accept(0.6)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{regenerate(0.3)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{{Score: 0.5, Recommendation: quality.RecommendTargetedFix}}},
	}
	ex, attempts, unitRepo, gen := testExecutor(t, judges, retrypolicy.Config{RetriesPerTier: 2})
	courseID := uuid.New()
	unit := seedLessonUnit(t, unitRepo, courseID)

	_, err := ex.ExecuteUnit(dbctx.Context{Ctx: context.Background()}, unit, "generate_lesson", lessonProducer(gen))
	if err == nil {
		t.Fatal("expected escalation error")
	}
	history, _ := attempts.ListForUnit(dbctx.Context{}, courseID, 6, &unit.ID)
	if len(history) != 1 {
		t.Fatalf("escalation must not burn the retry budget, got %d attempts", len(history))
	}
	if !unit.NeedsHumanReview {
		t.Fatal("escalated unit must be flagged for human review")
	}
}

func TestExecuteUnitTargetedFixUsesPatch(t *testing.T) {
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{
			{Score: 0.7, Recommendation: quality.RecommendTargetedFix,
				Guidance: quality.Guidance{SectionHints: []string{"tighten the summary"}}},
			accept(0.9),
		}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{accept(0.9)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{accept(0.9)}},
	}
	ex, _, unitRepo, gen := testExecutor(t, judges, retrypolicy.Config{RetriesPerTier: 2})
	courseID := uuid.New()
	unit := seedLessonUnit(t, unitRepo, courseID)

	_, err := ex.ExecuteUnit(dbctx.Context{Ctx: context.Background()}, unit, "generate_lesson", lessonProducer(gen))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.patched != 1 {
		t.Fatalf("expected one PatchSection call, got %d", gen.patched)
	}
}

func TestExecuteStageArtifact(t *testing.T) {
	judges := []quality.Judge{
		&scriptedJudge{id: "single", verdicts: []quality.JudgeVerdict{accept(0.8)}},
		&scriptedJudge{id: "a", verdicts: []quality.JudgeVerdict{accept(0.8)}},
		&scriptedJudge{id: "b", verdicts: []quality.JudgeVerdict{accept(0.8)}},
		&scriptedJudge{id: "tie", verdicts: []quality.JudgeVerdict{accept(0.8)}},
	}
	ex, attempts, _, gen := testExecutor(t, judges, retrypolicy.Config{RetriesPerTier: 2})
	courseID := uuid.New()

	_, err := ex.ExecuteStageArtifact(dbctx.Context{Ctx: context.Background()}, courseID, 4, "analyze_materials", lessonProducer(gen))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	history, _ := attempts.ListForUnit(dbctx.Context{}, courseID, 4, nil)
	if len(history) != 1 {
		t.Fatalf("expected 1 stage-level attempt, got %d", len(history))
	}
	if history[0].UnitID != nil {
		t.Fatal("stage-level attempts carry no unit id")
	}
}
