package quality

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// runPanel evaluates the artifact with every judge in parallel and returns
// the verdicts in judge order. Any judge error fails the whole panel; a
// partial panel cannot produce a trustworthy consensus.
func runPanel(ctx context.Context, judges []Judge, art Artifact, rubric []Criterion) ([]JudgeVerdict, error) {
	verdicts := make([]JudgeVerdict, len(judges))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range judges {
		g.Go(func() error {
			v, err := j.Evaluate(gctx, art, rubric)
			if err != nil {
				return fmt.Errorf("judge %s: %w", j.ModelID(), err)
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// resolveConsensus turns the panel's verdicts into a single outcome. With two
// judges: agreement is unanimous, a split calls the tie-breaker. With three:
// full agreement is unanimous, any two matching is a majority, all distinct
// escalates to a human. tieBreak is invoked at most once.
func resolveConsensus(ctx context.Context, verdicts []JudgeVerdict, tieBreak func(context.Context) (JudgeVerdict, error)) (ConsensusOutcome, Final, error) {
	if len(verdicts) == 2 && verdicts[0].Recommendation != verdicts[1].Recommendation {
		extra, err := tieBreak(ctx)
		if err != nil {
			return ConsensusOutcome{}, Final{}, err
		}
		all := append(append([]JudgeVerdict{}, verdicts...), extra)
		rec, agreeing := majorityOf(all)
		if agreeing == nil {
			// Tie-breaker introduced a third distinct recommendation.
			return escalate(all)
		}
		out := ConsensusOutcome{Method: ConsensusTieBreaker, Verdicts: all}
		return out, finalFrom(rec, all, agreeing), nil
	}

	rec, agreeing := majorityOf(verdicts)
	if agreeing == nil {
		return escalate(verdicts)
	}
	method := ConsensusMajority
	if len(agreeing) == len(verdicts) {
		method = ConsensusUnanimous
	}
	out := ConsensusOutcome{Method: method, Verdicts: verdicts}
	return out, finalFrom(rec, verdicts, agreeing), nil
}

// majorityOf returns the recommendation shared by more than half the panel
// and the verdicts carrying it, or nil when no such majority exists.
func majorityOf(verdicts []JudgeVerdict) (Recommendation, []JudgeVerdict) {
	counts := map[Recommendation][]JudgeVerdict{}
	for _, v := range verdicts {
		counts[v.Recommendation] = append(counts[v.Recommendation], v)
	}
	for rec, vs := range counts {
		if len(vs)*2 > len(verdicts) {
			return rec, vs
		}
	}
	return "", nil
}

// escalate covers the no-majority case: every judge recommends something
// different. No method applies; the recommendation is forced to human review.
func escalate(verdicts []JudgeVerdict) (ConsensusOutcome, Final, error) {
	out := ConsensusOutcome{Verdicts: verdicts}
	return out, Final{
		Recommendation: RecommendEscalateHuman,
		Score:          meanScore(verdicts),
	}, nil
}

// finalFrom builds the final verdict. The score averages every judge that
// participated, dissenters included; guidance is merged from the agreeing
// judges only, preferring the first non-empty field.
func finalFrom(rec Recommendation, all, agreeing []JudgeVerdict) Final {
	f := Final{Recommendation: rec, Score: meanScore(all)}
	for _, v := range agreeing {
		if f.Guidance.Tone == "" {
			f.Guidance.Tone = v.Guidance.Tone
		}
		if f.Guidance.Strategy == "" {
			f.Guidance.Strategy = v.Guidance.Strategy
		}
		f.Guidance.SectionHints = append(f.Guidance.SectionHints, v.Guidance.SectionHints...)
	}
	return f
}

func meanScore(verdicts []JudgeVerdict) float64 {
	if len(verdicts) == 0 {
		return 0
	}
	var total float64
	for _, v := range verdicts {
		total += v.Score
	}
	return total / float64(len(verdicts))
}
