package quality

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type fakeJudge struct {
	id      string
	verdict JudgeVerdict
	calls   atomic.Int32
}

func (f *fakeJudge) ModelID() string { return f.id }

func (f *fakeJudge) Evaluate(ctx context.Context, art Artifact, rubric []Criterion) (JudgeVerdict, error) {
	f.calls.Add(1)
	v := f.verdict
	v.ModelID = f.id
	return v, nil
}

func testProfiles(t *testing.T) *ProfileSet {
	t.Helper()
	return &ProfileSet{Profiles: map[ArtifactKind]Profile{
		ArtifactLessonContent: withProfileDefaults(Profile{
			Heuristics: HeuristicConfig{MinLength: 10, MinExamples: 1},
		}),
	}}
}

func testCascade(t *testing.T, judges ...Judge) *Cascade {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewCascade(testProfiles(t), judges, log)
}

func passingArtifact() Artifact {
	return Artifact{
		Kind:     ArtifactLessonContent,
		Content:  "a lesson body comfortably over the minimum length",
		Examples: 2,
	}
}

func TestCascadeHeuristicFailureSkipsJudges(t *testing.T) {
	judges := []*fakeJudge{{id: "j1"}, {id: "j2"}, {id: "j3"}, {id: "j4"}}
	c := testCascade(t, judges[0], judges[1], judges[2], judges[3])

	art := passingArtifact()
	art.Examples = 0
	res, err := c.Evaluate(context.Background(), art)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ReachedStage != StageHeuristic {
		t.Fatalf("expected heuristic stage, got %s", res.ReachedStage)
	}
	if res.Final.Recommendation != RecommendRegenerate {
		t.Fatalf("heuristic failure must recommend regenerate, got %s", res.Final.Recommendation)
	}
	for _, j := range judges {
		if n := j.calls.Load(); n != 0 {
			t.Fatalf("judge %s was called %d times on heuristic failure", j.id, n)
		}
	}
}

func TestCascadeHighConfidenceStopsAtSingleJudge(t *testing.T) {
	single := &fakeJudge{id: "single", verdict: JudgeVerdict{Score: 0.9, Recommendation: RecommendAccept}}
	panelA := &fakeJudge{id: "a"}
	panelB := &fakeJudge{id: "b"}
	tie := &fakeJudge{id: "tie"}
	c := testCascade(t, single, panelA, panelB, tie)

	res, err := c.Evaluate(context.Background(), passingArtifact())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ReachedStage != StageSingleJudge {
		t.Fatalf("expected single_judge stage, got %s", res.ReachedStage)
	}
	if res.Final.Recommendation != RecommendAccept || res.Final.Score != 0.9 {
		t.Fatalf("unexpected final %+v", res.Final)
	}
	if panelA.calls.Load() != 0 || panelB.calls.Load() != 0 || tie.calls.Load() != 0 {
		t.Fatal("panel must not run on a high-confidence single verdict")
	}
}

func TestCascadeAmbiguousSplitUsesTieBreaker(t *testing.T) {
	single := &fakeJudge{id: "single", verdict: JudgeVerdict{Score: 0.5, Recommendation: RecommendAccept}}
	panelA := &fakeJudge{id: "a", verdict: JudgeVerdict{Score: 0.7, Recommendation: RecommendAccept}}
	panelB := &fakeJudge{id: "b", verdict: JudgeVerdict{Score: 0.3, Recommendation: RecommendRegenerate}}
	tie := &fakeJudge{id: "tie", verdict: JudgeVerdict{Score: 0.6, Recommendation: RecommendAccept}}
	c := testCascade(t, single, panelA, panelB, tie)

	res, err := c.Evaluate(context.Background(), passingArtifact())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ReachedStage != StageConsensus {
		t.Fatalf("expected consensus stage, got %s", res.ReachedStage)
	}
	if res.Consensus.Method != ConsensusTieBreaker {
		t.Fatalf("expected tie_breaker, got %s", res.Consensus.Method)
	}
	if len(res.Consensus.Verdicts) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(res.Consensus.Verdicts))
	}
	if res.Final.Recommendation != RecommendAccept {
		t.Fatalf("tie-breaker sided with accept, final was %s", res.Final.Recommendation)
	}
	// Mean of all three participating judges (0.7, 0.3, 0.6), the
	// dissenting regenerate vote included.
	if math.Abs(res.Final.Score-(0.7+0.3+0.6)/3) > 1e-9 {
		t.Fatalf("expected mean of all participants, got %v", res.Final.Score)
	}
	if tie.calls.Load() != 1 {
		t.Fatalf("tie-breaker called %d times", tie.calls.Load())
	}
}

func TestCascadeUnanimousPanel(t *testing.T) {
	single := &fakeJudge{id: "single", verdict: JudgeVerdict{Score: 0.4, Recommendation: RecommendRegenerate}}
	panelA := &fakeJudge{id: "a", verdict: JudgeVerdict{Score: 0.35, Recommendation: RecommendRegenerate}}
	panelB := &fakeJudge{id: "b", verdict: JudgeVerdict{Score: 0.45, Recommendation: RecommendRegenerate}}
	tie := &fakeJudge{id: "tie"}
	c := testCascade(t, single, panelA, panelB, tie)

	res, err := c.Evaluate(context.Background(), passingArtifact())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Consensus.Method != ConsensusUnanimous {
		t.Fatalf("expected unanimous, got %s", res.Consensus.Method)
	}
	if res.Final.Recommendation != RecommendRegenerate {
		t.Fatalf("unexpected final recommendation %s", res.Final.Recommendation)
	}
	if math.Abs(res.Final.Score-0.4) > 1e-9 {
		t.Fatalf("expected mean score 0.4, got %v", res.Final.Score)
	}
	if tie.calls.Load() != 0 {
		t.Fatal("tie-breaker must not run on agreement")
	}
}

func TestCascadeAllDistinctEscalatesToHuman(t *testing.T) {
	single := &fakeJudge{id: "single", verdict: JudgeVerdict{Score: 0.5, Recommendation: RecommendAccept}}
	panelA := &fakeJudge{id: "a", verdict: JudgeVerdict{Score: 0.6, Recommendation: RecommendAccept}}
	panelB := &fakeJudge{id: "b", verdict: JudgeVerdict{Score: 0.3, Recommendation: RecommendRegenerate}}
	tie := &fakeJudge{id: "tie", verdict: JudgeVerdict{Score: 0.5, Recommendation: RecommendTargetedFix}}
	c := testCascade(t, single, panelA, panelB, tie)

	res, err := c.Evaluate(context.Background(), passingArtifact())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ReachedStage != StageConsensus {
		t.Fatalf("expected consensus stage, got %s", res.ReachedStage)
	}
	if res.Final.Recommendation != RecommendEscalateHuman {
		t.Fatalf("three distinct recommendations must escalate, got %s", res.Final.Recommendation)
	}
}

func TestCascadeRejectsUndersizedJudgePanel(t *testing.T) {
	// The test profile keeps the default panel of 2, so the cascade needs
	// 4 judges. One is not enough, and it must fail loudly rather than
	// index past the slice.
	c := testCascade(t, &fakeJudge{id: "only"})

	_, err := c.Evaluate(context.Background(), passingArtifact())
	var sizeErr *PanelSizeError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("expected PanelSizeError, got %v", err)
	}
	if sizeErr.Have != 1 || sizeErr.Need != 4 {
		t.Fatalf("unexpected sizes: %+v", sizeErr)
	}
}

func TestBandInclusive(t *testing.T) {
	b := Band{Low: 0.4, High: 0.6}
	for score, want := range map[float64]bool{
		0.39: false,
		0.4:  true,
		0.5:  true,
		0.6:  true,
		0.61: false,
	} {
		if got := b.Ambiguous(score); got != want {
			t.Fatalf("Ambiguous(%v) = %v, want %v", score, got, want)
		}
	}
}
