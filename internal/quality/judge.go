package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// Judge scores one artifact against a rubric. Implementations must be safe
// for concurrent use; the consensus tier calls several judges in parallel.
type Judge interface {
	ModelID() string
	Evaluate(ctx context.Context, art Artifact, rubric []Criterion) (JudgeVerdict, error)
}

// JSONGenerator is the slice of the LLM client the judge needs. Satisfied by
// services.LLMClient.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, tier domain.ModelTier, system, user, schemaName string, schema map[string]any, timeout time.Duration) (map[string]any, error)
}

type llmJudge struct {
	gen     JSONGenerator
	tier    domain.ModelTier
	modelID string
	timeout time.Duration
	log     *logger.Logger
}

// NewLLMJudge builds a judge on one model tier. modelID distinguishes panel
// members in recorded verdicts.
func NewLLMJudge(gen JSONGenerator, tier domain.ModelTier, modelID string, timeout time.Duration, baseLog *logger.Logger) Judge {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &llmJudge{
		gen:     gen,
		tier:    tier,
		modelID: modelID,
		timeout: timeout,
		log:     baseLog.With("component", "LLMJudge", "model_id", modelID),
	}
}

func (j *llmJudge) ModelID() string { return j.modelID }

func (j *llmJudge) Evaluate(ctx context.Context, art Artifact, rubric []Criterion) (JudgeVerdict, error) {
	criteriaProps := map[string]any{}
	var criteriaNames []string
	for _, c := range rubric {
		criteriaProps[c.Name] = map[string]any{"type": "number", "minimum": 0, "maximum": 1}
		criteriaNames = append(criteriaNames, c.Name)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"criteria": map[string]any{
				"type":                 "object",
				"properties":           criteriaProps,
				"required":             criteriaNames,
				"additionalProperties": false,
			},
			"issues":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"strengths":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"recommendation": map[string]any{"type": "string", "enum": []string{"accept", "targeted_fix", "regenerate"}},
			"tone":           map[string]any{"type": "string"},
			"strategy":       map[string]any{"type": "string"},
		},
		"required":             []string{"criteria", "issues", "strengths", "recommendation"},
		"additionalProperties": false,
	}

	user := fmt.Sprintf(
		"Artifact kind: %s\n\nArtifact:\n%s\n\nScore each criterion (%s) from 0 to 1, list concrete issues and strengths, "+
			"and recommend accept, targeted_fix, or regenerate. Optionally suggest a tone and a revision strategy.",
		art.Kind, art.Content, strings.Join(criteriaNames, ", "),
	)
	obj, err := j.gen.GenerateJSON(ctx, j.tier,
		"You are a rigorous reviewer of generated educational content. Judge only what is present.",
		user, "artifact_review", schema, j.timeout)
	if err != nil {
		return JudgeVerdict{}, &faults.GenerationError{Stage: "judge", Err: err}
	}
	return j.parseVerdict(obj, rubric)
}

func (j *llmJudge) parseVerdict(obj map[string]any, rubric []Criterion) (JudgeVerdict, error) {
	v := JudgeVerdict{ModelID: j.modelID, Criteria: map[string]float64{}}

	if crit, ok := obj["criteria"].(map[string]any); ok {
		for name, raw := range crit {
			if f, ok := toFloat(raw); ok {
				v.Criteria[name] = clamp01(f)
			}
		}
	}
	var total, weight float64
	for _, c := range rubric {
		if s, ok := v.Criteria[c.Name]; ok {
			total += s * c.Weight
			weight += c.Weight
		}
	}
	if weight > 0 {
		v.Score = total / weight
	}

	v.Issues = toStrings(obj["issues"])
	v.Strengths = toStrings(obj["strengths"])

	// Persisted categorical field: strict.
	rec, err := ParseRecommendation(fmt.Sprint(obj["recommendation"]))
	if err != nil {
		return JudgeVerdict{}, err
	}
	v.Recommendation = rec

	// Feed-forward guidance: lenient.
	v.Guidance = NormalizeGuidance(Guidance{
		Tone:     stringOrEmpty(obj["tone"]),
		Strategy: stringOrEmpty(obj["strategy"]),
	}, j.log)

	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func toStrings(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
