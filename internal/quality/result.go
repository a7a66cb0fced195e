package quality

// Recommendation is the categorical outcome of an evaluation. It is
// persisted, so values outside this set are a hard error wherever they are
// parsed (see severity.go).
type Recommendation string

const (
	RecommendAccept        Recommendation = "accept"
	RecommendTargetedFix   Recommendation = "targeted_fix"
	RecommendRegenerate    Recommendation = "regenerate"
	RecommendEscalateHuman Recommendation = "escalate_human"
)

// ReachedStage records how deep into the cascade an evaluation went.
type ReachedStage string

const (
	StageHeuristic   ReachedStage = "heuristic"
	StageSingleJudge ReachedStage = "single_judge"
	StageConsensus   ReachedStage = "consensus"
)

type ConsensusMethod string

const (
	ConsensusUnanimous  ConsensusMethod = "unanimous"
	ConsensusMajority   ConsensusMethod = "majority"
	ConsensusTieBreaker ConsensusMethod = "tie_breaker"
)

// Guidance is advisory output fed forward into the next generation attempt.
// It is never validated strictly: a semantic near-match must not trigger
// regeneration (see severity.go).
type Guidance struct {
	Tone         string   `json:"tone,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	SectionHints []string `json:"section_hints,omitempty"`
}

// JudgeVerdict is one judge's scoring of one artifact.
type JudgeVerdict struct {
	ModelID        string             `json:"model_id"`
	Score          float64            `json:"score"`
	Criteria       map[string]float64 `json:"criteria,omitempty"`
	Issues         []string           `json:"issues,omitempty"`
	Strengths      []string           `json:"strengths,omitempty"`
	Recommendation Recommendation     `json:"recommendation"`
	Guidance       Guidance           `json:"guidance,omitempty"`
}

type HeuristicOutcome struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

type JudgeOutcome struct {
	Verdict JudgeVerdict `json:"verdict"`
}

type ConsensusOutcome struct {
	Method   ConsensusMethod `json:"method,omitempty"`
	Verdicts []JudgeVerdict  `json:"verdicts"`
}

type Final struct {
	Recommendation Recommendation `json:"recommendation"`
	Score          float64        `json:"score"`
	Guidance       Guidance       `json:"guidance,omitempty"`
}

// CascadeResult is a tagged union keyed by ReachedStage: only the variant
// for the reached stage (plus every earlier one that ran) is populated.
// Immutable once returned; referenced by the attempt it belongs to.
type CascadeResult struct {
	ReachedStage ReachedStage      `json:"reached_stage"`
	Heuristic    *HeuristicOutcome `json:"heuristic,omitempty"`
	Judge        *JudgeOutcome     `json:"judge,omitempty"`
	Consensus    *ConsensusOutcome `json:"consensus,omitempty"`
	Final        Final             `json:"final"`
}
