package quality

import (
	"context"
	"fmt"

	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// PanelSizeError means a profile demands more judges than the cascade was
// built with. A configuration problem, not a content verdict; nothing retries
// it.
type PanelSizeError struct {
	Kind ArtifactKind
	Need int
	Have int
}

func (e *PanelSizeError) Error() string {
	return fmt.Sprintf("profile for %s needs %d judges, cascade has %d", e.Kind, e.Need, e.Have)
}

// Cascade runs the tiered evaluation: deterministic heuristics first, then a
// single judge, then a consensus panel only when the single judge's score
// lands in the ambiguous band. Each tier short-circuits the more expensive
// ones below it.
//
// The judge slice is consumed in order: index 0 is the single judge, the next
// Profile.ConsensusJudges entries form the panel, and the entry after the
// panel is the tie-breaker. Callers size the slice with JudgeBudget.
type Cascade struct {
	profiles *ProfileSet
	judges   []Judge
	log      *logger.Logger
}

func NewCascade(profiles *ProfileSet, judges []Judge, baseLog *logger.Logger) *Cascade {
	return &Cascade{
		profiles: profiles,
		judges:   judges,
		log:      baseLog.With("component", "QualityCascade"),
	}
}

func (c *Cascade) Evaluate(ctx context.Context, art Artifact) (CascadeResult, error) {
	profile := c.profiles.For(art.Kind)
	if need := JudgeBudget(profile); len(c.judges) < need {
		// An overlay raising consensus_judges past what main sized must
		// surface as an error, not an index panic mid-evaluation.
		return CascadeResult{}, &PanelSizeError{Kind: art.Kind, Need: need, Have: len(c.judges)}
	}

	h := RunHeuristics(art, profile.Heuristics)
	res := CascadeResult{ReachedStage: StageHeuristic, Heuristic: &h}
	if !h.Passed {
		// Heuristic failure is cheap and unambiguous: regenerate without
		// spending a single judge call.
		c.log.Info("heuristics failed", "kind", art.Kind, "reasons", h.Reasons)
		res.Final = Final{
			Recommendation: RecommendRegenerate,
			Guidance:       Guidance{SectionHints: h.Reasons},
		}
		return res, nil
	}

	single := c.judges[0]
	verdict, err := single.Evaluate(ctx, art, profile.Rubric)
	if err != nil {
		return CascadeResult{}, err
	}
	res.ReachedStage = StageSingleJudge
	res.Judge = &JudgeOutcome{Verdict: verdict}
	if !profile.AmbiguousBand.Ambiguous(verdict.Score) {
		res.Final = Final{
			Recommendation: verdict.Recommendation,
			Score:          verdict.Score,
			Guidance:       verdict.Guidance,
		}
		return res, nil
	}

	c.log.Info("single judge ambiguous, escalating to consensus",
		"kind", art.Kind, "score", verdict.Score)
	panel := c.judges[1 : 1+profile.ConsensusJudges]
	verdicts, err := runPanel(ctx, panel, art, profile.Rubric)
	if err != nil {
		return CascadeResult{}, err
	}
	tieBreak := func(ctx context.Context) (JudgeVerdict, error) {
		tb := c.judges[1+profile.ConsensusJudges]
		return tb.Evaluate(ctx, art, profile.Rubric)
	}
	outcome, final, err := resolveConsensus(ctx, verdicts, tieBreak)
	if err != nil {
		return CascadeResult{}, err
	}
	res.ReachedStage = StageConsensus
	res.Consensus = &outcome
	res.Final = final
	return res, nil
}

// JudgeBudget is the judge count a cascade needs for a profile: the single
// judge, the panel, and one tie-breaker.
func JudgeBudget(p Profile) int { return 1 + p.ConsensusJudges + 1 }
