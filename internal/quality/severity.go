package quality

import (
	"fmt"
	"strings"

	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// Two validation severities apply to judge output.
//
// Persisted fields (the categorical recommendation stored on the attempt and
// queried later) are validated strictly: any value outside the declared set
// is a hard error that blocks progression. Guidance fields (tone, strategy
// hints that only steer the next generation call) are normalized leniently:
// a near-match is accepted and at worst logged as a warning. Swapping the
// two severities causes either spurious regeneration loops or silent data
// corruption, so the distinction is kept in one place.

// ParseRecommendation strictly validates a persisted categorical field.
func ParseRecommendation(raw string) (Recommendation, error) {
	v := Recommendation(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case RecommendAccept, RecommendTargetedFix, RecommendRegenerate, RecommendEscalateHuman:
		return v, nil
	}
	return "", &faults.ValidationError{
		Reasons: []string{fmt.Sprintf("recommendation %q outside declared set", raw)},
	}
}

var knownTones = []string{"formal", "conversational", "encouraging", "technical", "concise"}
var knownStrategies = []string{"expand_examples", "simplify", "restructure", "add_detail", "tighten_scope"}

// NormalizeGuidance leniently normalizes feed-forward guidance. Unknown
// values pass through unchanged with a warning; they must never fail the
// evaluation.
func NormalizeGuidance(g Guidance, log *logger.Logger) Guidance {
	g.Tone = normalizeToSet(g.Tone, knownTones, "tone", log)
	g.Strategy = normalizeToSet(g.Strategy, knownStrategies, "strategy", log)
	return g
}

func normalizeToSet(raw string, allowed []string, field string, log *logger.Logger) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}
	for _, a := range allowed {
		if v == a {
			return a
		}
	}
	// Near-matches are fine: "very formal" means formal.
	for _, a := range allowed {
		if strings.Contains(v, strings.ReplaceAll(a, "_", " ")) || strings.Contains(v, a) {
			return a
		}
	}
	if log != nil {
		log.Warn("Unrecognized guidance value passed through", "field", field, "value", raw)
	}
	return v
}
