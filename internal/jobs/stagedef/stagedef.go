package stagedef

import (
	"fmt"

	"github.com/courseforge/courseforge-backend/internal/domain"
)

// StepKind is a static property of a step definition. Marker steps are pure
// bookkeeping (stage started / finished) and count as complete the moment
// they are recorded; only artifact steps carry generated output. Whether a
// step is a marker is never inferred from the runtime payload shape.
type StepKind string

const (
	StepMarker   StepKind = "marker"
	StepArtifact StepKind = "artifact"
)

type StepDef struct {
	Name string
	Kind StepKind
}

// StageDef is one phase of the generation pipeline. FanOutKind is empty for
// stage-level (non-parallel) stages; such stages create zero StageUnits and
// their attempts are keyed by course+stage instead.
type StageDef struct {
	ID              int
	Name            string
	InitState       string
	ProcessingState string
	CompleteState   string
	FanOutKind      string
	ToleratePartial bool
	Steps           []StepDef
}

// TerminalStep is the step that produces the unit's final artifact. Trailing
// marker steps after it are recorded as part of unit completion.
func (s StageDef) TerminalStep() string {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Kind == StepArtifact {
			return s.Steps[i].Name
		}
	}
	if len(s.Steps) > 0 {
		return s.Steps[len(s.Steps)-1].Name
	}
	return ""
}

func (s StageDef) StepIndex(name string) (int, StepDef, bool) {
	for i, st := range s.Steps {
		if st.Name == name {
			return i, st, true
		}
	}
	return -1, StepDef{}, false
}

// Course-level states outside the per-stage triplets.
const (
	StatePending    = "pending"
	StateFinalizing = "finalizing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// The pipeline proper starts at stage 2: stage 1 (upload) happens in the
// intake service before a course ever reaches this system.
var stages = []StageDef{
	{
		ID:              2,
		Name:            "ingest",
		InitState:       "stage_2_init",
		ProcessingState: "stage_2_ingesting",
		CompleteState:   "stage_2_complete",
		FanOutKind:      domain.UnitKindDocument,
		Steps: []StepDef{
			{Name: "ingest_started", Kind: StepMarker},
			{Name: "fetch_document", Kind: StepMarker},
			{Name: "summarize_document", Kind: StepArtifact},
			{Name: "ingest_finished", Kind: StepMarker},
		},
	},
	{
		ID:              3,
		Name:            "classify",
		InitState:       "stage_3_init",
		ProcessingState: "stage_3_classifying",
		CompleteState:   "stage_3_complete",
		Steps: []StepDef{
			{Name: "classify_started", Kind: StepMarker},
			{Name: "classify_course", Kind: StepArtifact},
			{Name: "classify_finished", Kind: StepMarker},
		},
	},
	{
		ID:              4,
		Name:            "analyze",
		InitState:       "stage_4_init",
		ProcessingState: "stage_4_analyzing",
		CompleteState:   "stage_4_complete",
		Steps: []StepDef{
			{Name: "analyze_started", Kind: StepMarker},
			{Name: "analyze_materials", Kind: StepArtifact},
			{Name: "analyze_finished", Kind: StepMarker},
		},
	},
	{
		ID:              5,
		Name:            "structure",
		InitState:       "stage_5_init",
		ProcessingState: "stage_5_structuring",
		CompleteState:   "stage_5_complete",
		Steps: []StepDef{
			{Name: "structure_started", Kind: StepMarker},
			{Name: "generate_structure", Kind: StepArtifact},
			{Name: "structure_finished", Kind: StepMarker},
		},
	},
	{
		ID:              6,
		Name:            "content",
		InitState:       "stage_6_init",
		ProcessingState: "stage_6_generating",
		CompleteState:   "stage_6_complete",
		FanOutKind:      domain.UnitKindLesson,
		ToleratePartial: true,
		Steps: []StepDef{
			{Name: "content_started", Kind: StepMarker},
			{Name: "generate_lesson", Kind: StepArtifact},
			{Name: "content_finished", Kind: StepMarker},
		},
	},
}

func Stages() []StageDef { return stages }

func First() StageDef { return stages[0] }

func Last() StageDef { return stages[len(stages)-1] }

func ByID(id int) (StageDef, error) {
	for _, s := range stages {
		if s.ID == id {
			return s, nil
		}
	}
	return StageDef{}, fmt.Errorf("unknown stage id %d", id)
}

// Next returns the stage after the given one, or ok=false for the last.
func Next(id int) (StageDef, bool) {
	for i, s := range stages {
		if s.ID == id && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return StageDef{}, false
}

// Prev returns the stage before the given one, or ok=false for the first.
func Prev(id int) (StageDef, bool) {
	for i, s := range stages {
		if s.ID == id && i > 0 {
			return stages[i-1], true
		}
	}
	return StageDef{}, false
}
