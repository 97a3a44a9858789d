// Package notify holds the side-effect hooks the engine fires after a
// transition commits. Implementations run on goroutines; failures must
// never affect the committed workflow state.
package notify

import (
	"context"
	"log"
)

// Notifier receives workflow milestones after commit.
type Notifier interface {
	StoryTransitioned(ctx context.Context, programID, storyID, from, to, actorID string)
}

// TestCaseGenerator drafts UAT material for a story that cleared full
// approval.
type TestCaseGenerator interface {
	GenerateForStory(ctx context.Context, programID, storyID, title string)
}

// LogNotifier is the default sink: it records the milestone in the
// process log and nothing else.
type LogNotifier struct{}

func (LogNotifier) StoryTransitioned(_ context.Context, programID, storyID, from, to, actorID string) {
	log.Printf("notify: story %s (%s) %s -> %s by %s", storyID, programID, from, to, actorID)
}

// LogGenerator stands in where no generator backend is wired.
type LogGenerator struct{}

func (LogGenerator) GenerateForStory(_ context.Context, programID, storyID, title string) {
	log.Printf("notify: test case generation requested for story %s (%s): %s", storyID, programID, title)
}
