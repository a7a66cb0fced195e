package quality

// ArtifactKind identifies which pipeline stage produced an artifact. Each
// kind carries its own evaluation profile (heuristics, rubric, bands).
type ArtifactKind string

const (
	ArtifactDocumentSummary ArtifactKind = "document_summary"
	ArtifactClassification  ArtifactKind = "classification"
	ArtifactAnalysis        ArtifactKind = "analysis"
	ArtifactCourseStructure ArtifactKind = "course_structure"
	ArtifactLessonContent   ArtifactKind = "lesson_content"
)

type Section struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// Artifact is one generated draft handed to the cascade. The generator
// extracts the structural fields (sections, example count) at parse time so
// heuristics never have to re-derive them from raw text.
type Artifact struct {
	Kind     ArtifactKind   `json:"kind"`
	Content  string         `json:"content"`
	Sections []Section      `json:"sections,omitempty"`
	Examples int            `json:"examples"`
	Fields   map[string]any `json:"fields,omitempty"`
}

func (a Artifact) Section(name string) (Section, bool) {
	for _, s := range a.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}
