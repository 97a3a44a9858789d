package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// SeedGenerator drafts one skeleton test case per approved story so the
// UAT team starts from a linked placeholder instead of a blank suite.
type SeedGenerator struct {
	Repo repo.Repo
	Now  func() time.Time
}

const seedSteps = `[{"step":1,"action":"Review acceptance criteria","expected":"Criteria documented"},{"step":2,"action":"Exercise the workflow end to end","expected":"Behavior matches the approved story"}]`

func (g SeedGenerator) GenerateForStory(ctx context.Context, programID, storyID, title string) {
	now := g.Now
	if now == nil {
		now = time.Now
	}
	steps := seedSteps
	tc := domain.TestCase{
		ID:        uuid.New().String(),
		ProgramID: programID,
		StoryID:   &storyID,
		Title:     "Verify: " + title,
		StepsJSON: &steps,
		CreatedBy: "system",
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	if err := g.Repo.InsertTestCase(ctx, tc); err != nil {
		log.Printf("notify: seed test case for story %s: %v", storyID, err)
	}
}
