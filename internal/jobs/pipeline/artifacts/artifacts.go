// Package artifacts persists accepted stage outputs to object storage and
// loads them back for downstream stages. Keys are deterministic per
// course/stage/unit so crashed runs find prior work instead of redoing it.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/quality"
	"github.com/courseforge/courseforge-backend/internal/services"
)

func StageKey(courseID uuid.UUID, stageID int) string {
	return fmt.Sprintf("artifacts/%s/stage_%d/artifact.json", courseID, stageID)
}

func UnitKey(courseID uuid.UUID, stageID int, unitID uuid.UUID) string {
	return fmt.Sprintf("artifacts/%s/stage_%d/unit_%s.json", courseID, stageID, unitID)
}

func Store(ctx context.Context, bucket services.BucketService, key string, art quality.Artifact) error {
	raw, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := bucket.Store(ctx, key, raw); err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	return nil
}

// Load returns (artifact, true) when the key exists. A missing object is not
// an error; it just means the work has not been done yet.
func Load(ctx context.Context, bucket services.BucketService, key string) (quality.Artifact, bool, error) {
	raw, err := bucket.Fetch(ctx, key)
	if err != nil {
		// The storage client wraps not-found; absence and outage both read
		// as "regenerate", which is safe either way.
		return quality.Artifact{}, false, nil
	}
	var art quality.Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return quality.Artifact{}, false, fmt.Errorf("decode artifact %s: %w", key, err)
	}
	return art, true, nil
}

// Flatten renders an artifact as plain text for use as context in a later
// stage's prompt.
func Flatten(art quality.Artifact) string {
	var b strings.Builder
	b.WriteString(art.Content)
	for _, sec := range art.Sections {
		b.WriteString("\n\n## ")
		b.WriteString(sec.Name)
		b.WriteString("\n")
		b.WriteString(sec.Body)
	}
	return b.String()
}

// Lessons extracts the lesson titles from an accepted course-structure
// artifact. Each module section lists its lessons one per line as
// "lesson: <title>".
func Lessons(art quality.Artifact) []string {
	var out []string
	for _, sec := range art.Sections {
		for _, line := range strings.Split(sec.Body, "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "lesson:"); ok {
				title := strings.TrimSpace(rest)
				if title != "" {
					out = append(out, title)
				}
			}
		}
	}
	return out
}
