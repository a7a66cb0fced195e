package artifacts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/quality"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

func (b *memBucket) Fetch(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (b *memBucket) Store(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBucket) GetPublicURL(key string) string { return "https://cdn.test/" + key }

func TestStoreLoadRoundTrip(t *testing.T) {
	bucket := newMemBucket()
	ctx := context.Background()
	key := StageKey(uuid.New(), 3)

	art := quality.Artifact{
		Kind:    quality.ArtifactClassification,
		Content: "intermediate / mathematics",
		Fields:  map[string]any{"difficulty": "intermediate"},
	}
	if err := Store(ctx, bucket, key, art); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, found, err := Load(ctx, bucket, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatalf("expected stored artifact to be found")
	}
	if got.Kind != art.Kind || got.Content != art.Content {
		t.Fatalf("loaded artifact = %+v, want %+v", got, art)
	}
}

func TestLoadMissingIsNotAnError(t *testing.T) {
	_, found, err := Load(context.Background(), newMemBucket(), UnitKey(uuid.New(), 2, uuid.New()))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if found {
		t.Fatalf("expected missing artifact to report found=false")
	}
}

func TestLessonsParsesStructureSections(t *testing.T) {
	art := quality.Artifact{
		Kind: quality.ArtifactCourseStructure,
		Sections: []quality.Section{
			{Name: "Module 1: Vectors", Body: "Overview of vectors.\nlesson: What is a vector\nlesson: Dot products\n"},
			{Name: "Module 2: Matrices", Body: "lesson:   Matrix multiplication  \nnotes without prefix\nlesson:\n"},
		},
	}
	got := Lessons(art)
	want := []string{"What is a vector", "Dot products", "Matrix multiplication"}
	if len(got) != len(want) {
		t.Fatalf("lessons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lessons[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFlattenIncludesSections(t *testing.T) {
	art := quality.Artifact{
		Content: "A course outline.",
		Sections: []quality.Section{
			{Name: "Module 1", Body: "lesson: Intro"},
		},
	}
	flat := Flatten(art)
	for _, want := range []string{"A course outline.", "Module 1", "lesson: Intro"} {
		if !strings.Contains(flat, want) {
			t.Fatalf("flattened text missing %q:\n%s", want, flat)
		}
	}
}
