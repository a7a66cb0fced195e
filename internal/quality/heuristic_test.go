package quality

import (
	"strings"
	"testing"
)

func TestRunHeuristicsPassing(t *testing.T) {
	art := Artifact{
		Kind:    ArtifactLessonContent,
		Content: strings.Repeat("goroutines and channels in practice. ", 20),
		Sections: []Section{
			{Name: "introduction", Body: "why concurrency"},
			{Name: "body", Body: "worked material"},
			{Name: "summary", Body: "recap"},
		},
		Examples: 2,
	}
	cfg := HeuristicConfig{
		MinLength:        100,
		RequiredSections: []string{"introduction", "body", "summary"},
		MinExamples:      1,
		Keywords:         []string{"goroutines", "channels"},
	}
	out := RunHeuristics(art, cfg)
	if !out.Passed {
		t.Fatalf("expected pass, got reasons %v", out.Reasons)
	}
	if len(out.Reasons) != 0 {
		t.Fatalf("passing outcome must carry no reasons, got %v", out.Reasons)
	}
}

func TestRunHeuristicsMissingExamples(t *testing.T) {
	art := Artifact{
		Kind:    ArtifactLessonContent,
		Content: strings.Repeat("lesson material without any worked examples. ", 10),
		Sections: []Section{
			{Name: "introduction", Body: "a"},
			{Name: "body", Body: "b"},
			{Name: "summary", Body: "c"},
		},
		Examples: 0,
	}
	cfg := HeuristicConfig{MinExamples: 1}

	out := RunHeuristics(art, cfg)
	if out.Passed {
		t.Fatal("expected failure for zero examples")
	}
	want := "Examples count (0) below minimum (1)"
	found := false
	for _, r := range out.Reasons {
		if r == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons %v missing %q", out.Reasons, want)
	}
}

func TestRunHeuristicsReasonsAccumulate(t *testing.T) {
	art := Artifact{Kind: ArtifactDocumentSummary, Content: "short"}
	cfg := HeuristicConfig{
		MinLength:        50,
		RequiredSections: []string{"overview"},
		MinExamples:      1,
	}
	out := RunHeuristics(art, cfg)
	if out.Passed {
		t.Fatal("expected failure")
	}
	if len(out.Reasons) != 3 {
		t.Fatalf("expected 3 reasons (length, section, examples), got %v", out.Reasons)
	}
	// Reasons are ordered by check, not by discovery.
	if !strings.HasPrefix(out.Reasons[0], "Content length") {
		t.Fatalf("first reason should be length, got %q", out.Reasons[0])
	}
	if !strings.HasPrefix(out.Reasons[1], "Required section") {
		t.Fatalf("second reason should be section, got %q", out.Reasons[1])
	}
}

func TestRunHeuristicsPlaceholderDetection(t *testing.T) {
	for _, content := range []string{
		"This lesson covers [TODO] and more. " + strings.Repeat("x", 100),
		"Intro text lorem ipsum dolor. " + strings.Repeat("x", 100),
		"Welcome to {{course_title}}. " + strings.Repeat("x", 100),
	} {
		out := RunHeuristics(Artifact{Content: content}, HeuristicConfig{})
		if out.Passed {
			t.Fatalf("placeholder content passed: %q", content[:40])
		}
		if !strings.HasPrefix(out.Reasons[0], "Placeholder text detected") {
			t.Fatalf("unexpected reason %q", out.Reasons[0])
		}
	}
}

func TestRunHeuristicsDeterministic(t *testing.T) {
	art := Artifact{Content: "short", Examples: 0}
	cfg := HeuristicConfig{MinLength: 100, MinExamples: 2}
	first := RunHeuristics(art, cfg)
	for i := 0; i < 5; i++ {
		again := RunHeuristics(art, cfg)
		if len(again.Reasons) != len(first.Reasons) {
			t.Fatal("heuristics must be deterministic")
		}
		for j := range again.Reasons {
			if again.Reasons[j] != first.Reasons[j] {
				t.Fatalf("reason %d changed between runs: %q vs %q", j, first.Reasons[j], again.Reasons[j])
			}
		}
	}
}
