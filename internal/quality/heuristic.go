package quality

import (
	"fmt"
	"regexp"
	"strings"
)

// HeuristicConfig is the deterministic, zero-cost first tier. Every check
// that fails appends an ordered, human-readable reason; any failure makes
// the verdict REGENERATE without invoking a judge.
type HeuristicConfig struct {
	MinLength        int      `yaml:"min_length"`
	MaxLength        int      `yaml:"max_length"`
	RequiredSections []string `yaml:"required_sections"`
	MinExamples      int      `yaml:"min_examples"`
	Keywords         []string `yaml:"keywords"`
	MinKeywordRatio  float64  `yaml:"min_keyword_ratio"`
}

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[(?:todo|tbd|placeholder|insert[^\]]*)\]`),
	regexp.MustCompile(`(?i)\blorem ipsum\b`),
	regexp.MustCompile(`(?i)<(?:your|the) [^>]{1,40}here>`),
	regexp.MustCompile(`\{\{[^}]+\}\}`),
}

func RunHeuristics(a Artifact, cfg HeuristicConfig) HeuristicOutcome {
	var reasons []string

	n := len(a.Content)
	if cfg.MinLength > 0 && n < cfg.MinLength {
		reasons = append(reasons, fmt.Sprintf("Content length (%d) below minimum (%d)", n, cfg.MinLength))
	}
	if cfg.MaxLength > 0 && n > cfg.MaxLength {
		reasons = append(reasons, fmt.Sprintf("Content length (%d) above maximum (%d)", n, cfg.MaxLength))
	}

	for _, name := range cfg.RequiredSections {
		if _, ok := a.Section(name); !ok {
			reasons = append(reasons, fmt.Sprintf("Required section %q missing", name))
		}
	}
	for _, s := range a.Sections {
		if strings.TrimSpace(s.Body) == "" {
			reasons = append(reasons, fmt.Sprintf("Section %q is empty", s.Name))
		}
	}

	if cfg.MinExamples > 0 && a.Examples < cfg.MinExamples {
		reasons = append(reasons, fmt.Sprintf("Examples count (%d) below minimum (%d)", a.Examples, cfg.MinExamples))
	}

	if len(cfg.Keywords) > 0 {
		lower := strings.ToLower(a.Content)
		hit := 0
		for _, kw := range cfg.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hit++
			}
		}
		ratio := float64(hit) / float64(len(cfg.Keywords))
		min := cfg.MinKeywordRatio
		if min <= 0 {
			min = 0.5
		}
		if ratio < min {
			reasons = append(reasons, fmt.Sprintf("Keyword coverage %.2f below minimum %.2f", ratio, min))
		}
	}

	for _, re := range placeholderPatterns {
		if m := re.FindString(a.Content); m != "" {
			reasons = append(reasons, fmt.Sprintf("Placeholder text detected: %q", m))
			break
		}
	}

	return HeuristicOutcome{Passed: len(reasons) == 0, Reasons: reasons}
}
