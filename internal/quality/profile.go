package quality

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Band is the single-judge score interval that triggers consensus voting.
// Scores at or inside the bounds are ambiguous; scores outside are
// high-confidence and stop the cascade at the single judge.
type Band struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (b Band) Ambiguous(score float64) bool {
	return score >= b.Low && score <= b.High
}

type Criterion struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// Profile is the per-artifact-kind evaluation configuration.
type Profile struct {
	Heuristics      HeuristicConfig `yaml:"heuristics"`
	Rubric          []Criterion     `yaml:"rubric"`
	AmbiguousBand   Band            `yaml:"ambiguous_band"`
	ConsensusJudges int             `yaml:"consensus_judges"`
}

type ProfileSet struct {
	Profiles map[ArtifactKind]Profile `yaml:"profiles"`
}

//go:embed configs/profiles.yaml
var defaultProfiles []byte

// LoadProfiles reads the embedded defaults, then overlays the file at path
// when one is given. Missing kinds fall back to a permissive profile.
func LoadProfiles(path string) (*ProfileSet, error) {
	set := &ProfileSet{}
	if err := yaml.Unmarshal(defaultProfiles, set); err != nil {
		return nil, fmt.Errorf("parse embedded quality profiles: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read quality profiles %s: %w", path, err)
		}
		override := &ProfileSet{}
		if err := yaml.Unmarshal(raw, override); err != nil {
			return nil, fmt.Errorf("parse quality profiles %s: %w", path, err)
		}
		for kind, p := range override.Profiles {
			set.Profiles[kind] = p
		}
	}
	for kind, p := range set.Profiles {
		set.Profiles[kind] = withProfileDefaults(p)
	}
	return set, nil
}

func (s *ProfileSet) For(kind ArtifactKind) Profile {
	if p, ok := s.Profiles[kind]; ok {
		return p
	}
	return withProfileDefaults(Profile{})
}

func withProfileDefaults(p Profile) Profile {
	if p.AmbiguousBand.Low == 0 && p.AmbiguousBand.High == 0 {
		p.AmbiguousBand = Band{Low: 0.4, High: 0.6}
	}
	if p.ConsensusJudges <= 0 {
		p.ConsensusJudges = 2
	}
	if len(p.Rubric) == 0 {
		p.Rubric = []Criterion{
			{Name: "accuracy", Weight: 0.4},
			{Name: "completeness", Weight: 0.3},
			{Name: "clarity", Weight: 0.3},
		}
	}
	return p
}
