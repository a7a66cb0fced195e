package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/envutil"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/quality"
)

// ArtifactGenerator produces the draft artifacts the cascade evaluates: one
// method per pipeline stage plus a section-patch path for targeted fixes.
// Guidance from a previous rejection is folded into the prompt so a retry is
// steered, not blind.
type ArtifactGenerator interface {
	SummarizeDocument(ctx context.Context, tier domain.ModelTier, topic, documentText string, g quality.Guidance) (quality.Artifact, Usage, error)
	ClassifyCourse(ctx context.Context, tier domain.ModelTier, topic string, summaries []string, g quality.Guidance) (quality.Artifact, Usage, error)
	AnalyzeMaterials(ctx context.Context, tier domain.ModelTier, topic string, summaries []string, classification string, g quality.Guidance) (quality.Artifact, Usage, error)
	GenerateStructure(ctx context.Context, tier domain.ModelTier, topic, analysis string, g quality.Guidance) (quality.Artifact, Usage, error)
	GenerateLessonContent(ctx context.Context, tier domain.ModelTier, topic, lessonTitle, structure string, g quality.Guidance) (quality.Artifact, Usage, error)
	// PatchSection regenerates only the named sections of a rejected
	// artifact, keeping the rest verbatim.
	PatchSection(ctx context.Context, tier domain.ModelTier, art quality.Artifact, sectionHints []string, g quality.Guidance) (quality.Artifact, Usage, error)
	// SupportsPatch reports whether targeted fixes apply to an artifact
	// kind. Only section-structured artifacts can be patched.
	SupportsPatch(kind quality.ArtifactKind) bool
	// CostCents prices a call's token usage for the given tier.
	CostCents(tier domain.ModelTier, u Usage) int
}

type artifactGenerator struct {
	llm     LLMClient
	log     *logger.Logger
	timeout time.Duration
	// cents per 1000 total tokens, by tier
	tierCost map[domain.ModelTier]int
}

// NewArtifactGenerator builds the generator. workLease is the queue's
// stale-running window; the per-call timeout is kept strictly below it so a
// hung model call gives up before another worker can reclaim the run.
func NewArtifactGenerator(llm LLMClient, workLease time.Duration, baseLog *logger.Logger) ArtifactGenerator {
	log := baseLog.With("service", "ArtifactGenerator")
	timeout := envutil.GetEnvDuration("GENERATOR_TIMEOUT", 90*time.Second, log)
	if workLease > 0 && timeout >= workLease {
		clamped := workLease / 2
		log.Warn("GENERATOR_TIMEOUT is not below the work lease, clamping",
			"configured", timeout, "lease", workLease, "clamped", clamped)
		timeout = clamped
	}
	return &artifactGenerator{
		llm:     llm,
		log:     log,
		timeout: timeout,
		tierCost: map[domain.ModelTier]int{
			domain.TierSmall:  envutil.GetEnvInt("COST_CENTS_PER_1K_SMALL", 1, log),
			domain.TierMedium: envutil.GetEnvInt("COST_CENTS_PER_1K_MEDIUM", 5, log),
			domain.TierLarge:  envutil.GetEnvInt("COST_CENTS_PER_1K_LARGE", 20, log),
		},
	}
}

var artifactSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"content": map[string]any{"type": "string"},
		"sections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"body": map[string]any{"type": "string"},
				},
				"required":             []string{"name", "body"},
				"additionalProperties": false,
			},
		},
		"examples": map[string]any{"type": "integer", "minimum": 0},
	},
	"required":             []string{"content", "sections", "examples"},
	"additionalProperties": false,
}

func summaryBlock(summaries []string) string {
	if len(summaries) == 0 {
		return "(no source documents were provided; work from the course topic alone)"
	}
	return strings.Join(summaries, "\n\n---\n\n")
}

func guidanceClause(g quality.Guidance) string {
	var parts []string
	if g.Tone != "" {
		parts = append(parts, "Use a "+g.Tone+" tone.")
	}
	if g.Strategy != "" {
		parts = append(parts, "Revision strategy: "+strings.ReplaceAll(g.Strategy, "_", " ")+".")
	}
	if len(g.SectionHints) > 0 {
		parts = append(parts, "Address these review notes: "+strings.Join(g.SectionHints, "; ")+".")
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(parts, " ")
}

func (a *artifactGenerator) generate(ctx context.Context, tier domain.ModelTier, kind quality.ArtifactKind, system, user string) (quality.Artifact, Usage, error) {
	obj, usage, err := a.llm.GenerateJSONUsage(ctx, tier, system, user, string(kind), artifactSchema, a.timeout)
	if err != nil {
		return quality.Artifact{}, usage, &faults.GenerationError{Stage: string(kind), Err: err}
	}
	return parseArtifact(kind, obj), usage, nil
}

func parseArtifact(kind quality.ArtifactKind, obj map[string]any) quality.Artifact {
	art := quality.Artifact{Kind: kind, Fields: obj}
	if s, ok := obj["content"].(string); ok {
		art.Content = s
	}
	if raw, ok := obj["sections"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			body, _ := m["body"].(string)
			if name != "" {
				art.Sections = append(art.Sections, quality.Section{Name: name, Body: body})
			}
		}
	}
	if n, ok := obj["examples"].(float64); ok {
		art.Examples = int(n)
	}
	return art
}

func (a *artifactGenerator) SummarizeDocument(ctx context.Context, tier domain.ModelTier, topic, documentText string, g quality.Guidance) (quality.Artifact, Usage, error) {
	system := "You are an expert at summarizing source material for course construction. Preserve technical detail; never invent facts."
	user := fmt.Sprintf(
		"Course topic: %s\n\nSummarize the following document into sections (overview, key_concepts, details). Count the worked examples present.\n\n%s%s",
		topic, documentText, guidanceClause(g))
	return a.generate(ctx, tier, quality.ArtifactDocumentSummary, system, user)
}

func (a *artifactGenerator) ClassifyCourse(ctx context.Context, tier domain.ModelTier, topic string, summaries []string, g quality.Guidance) (quality.Artifact, Usage, error) {
	system := "You classify course material by subject area, audience level, and prerequisite knowledge."
	user := fmt.Sprintf(
		"Course topic: %s\n\nClassify this course from its document summaries. Produce sections subject_area, audience_level, prerequisites.\n\n%s%s",
		topic, summaryBlock(summaries), guidanceClause(g))
	return a.generate(ctx, tier, quality.ArtifactClassification, system, user)
}

func (a *artifactGenerator) AnalyzeMaterials(ctx context.Context, tier domain.ModelTier, topic string, summaries []string, classification string, g quality.Guidance) (quality.Artifact, Usage, error) {
	system := "You analyze course source material for coverage, gaps, and teaching opportunities."
	user := fmt.Sprintf(
		"Course topic: %s\nClassification:\n%s\n\nAnalyze the material below. Produce sections coverage, gaps, learning_objectives.\n\n%s%s",
		topic, classification, summaryBlock(summaries), guidanceClause(g))
	return a.generate(ctx, tier, quality.ArtifactAnalysis, system, user)
}

func (a *artifactGenerator) GenerateStructure(ctx context.Context, tier domain.ModelTier, topic, analysis string, g quality.Guidance) (quality.Artifact, Usage, error) {
	system := "You design course outlines: modules and lessons ordered so each builds on the last."
	user := fmt.Sprintf(
		"Course topic: %s\n\nDesign the course structure from this analysis. One section per module; each body lists that module's lessons, one per line, as 'lesson: <title>'.\n\n%s%s",
		topic, analysis, guidanceClause(g))
	return a.generate(ctx, tier, quality.ArtifactCourseStructure, system, user)
}

func (a *artifactGenerator) GenerateLessonContent(ctx context.Context, tier domain.ModelTier, topic, lessonTitle, structure string, g quality.Guidance) (quality.Artifact, Usage, error) {
	system := "You write complete lessons with an introduction, a body with worked examples, and a summary."
	user := fmt.Sprintf(
		"Course topic: %s\nLesson: %s\n\nWrite the full lesson. Required sections: introduction, body, summary. Include at least one worked example and count them accurately.\n\nCourse structure for context:\n%s%s",
		topic, lessonTitle, structure, guidanceClause(g))
	return a.generate(ctx, tier, quality.ArtifactLessonContent, system, user)
}

func (a *artifactGenerator) PatchSection(ctx context.Context, tier domain.ModelTier, art quality.Artifact, sectionHints []string, g quality.Guidance) (quality.Artifact, Usage, error) {
	if !a.SupportsPatch(art.Kind) {
		return quality.Artifact{}, Usage{}, fmt.Errorf("artifact kind %s does not support patching", art.Kind)
	}
	var current strings.Builder
	for _, s := range art.Sections {
		fmt.Fprintf(&current, "## %s\n%s\n\n", s.Name, s.Body)
	}
	system := "You revise flagged sections of generated course content. Rewrite only what the review notes require; return the complete artifact with unflagged sections unchanged."
	user := fmt.Sprintf(
		"Review notes:\n%s\n\nCurrent artifact:\n%s%s",
		strings.Join(sectionHints, "\n"), current.String(), guidanceClause(g))
	return a.generate(ctx, tier, art.Kind, system, user)
}

func (a *artifactGenerator) SupportsPatch(kind quality.ArtifactKind) bool {
	switch kind {
	case quality.ArtifactCourseStructure, quality.ArtifactLessonContent, quality.ArtifactDocumentSummary:
		return true
	}
	return false
}

func (a *artifactGenerator) CostCents(tier domain.ModelTier, u Usage) int {
	per1k, ok := a.tierCost[tier]
	if !ok {
		return 0
	}
	// Round up so short calls are never free.
	return (u.TotalTokens*per1k + 999) / 1000
}
