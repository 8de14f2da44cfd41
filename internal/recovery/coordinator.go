package recovery

import (
	"context"
	"errors"
	"fmt"

	"proctor/internal/registry"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Outcome describes how an assessment session was established: either a
// resumed prior attempt or a freshly created one.
type Outcome struct {
	ThreadID  string
	Recovered bool
	Progress  *types.Progress
}

// Coordinator decides, at start_assessment time, whether a connection
// resumes the user's latest attempt or starts a new one. Its one hard rule
// is that engine conversation state is never initialized twice for the
// same thread: a thread with existing state is always resumed.
type Coordinator struct {
	store  interfaces.AssessmentStore
	engine interfaces.Engine
}

func NewCoordinator(store interfaces.AssessmentStore, engine interfaces.Engine) *Coordinator {
	return &Coordinator{store: store, engine: engine}
}

// Establish binds the connection to an assessment thread. The latest
// attempt for (user, group) is resumed when its status allows it; when no
// attempt exists a new one is created. A final latest attempt yields
// ErrNotRecoverable and leaves the connection unbound; the caller decides
// whether its retake policy permits StartFresh instead.
//
// Calling Establish on an already-bound connection is a no-op resume, so
// a duplicated start_assessment message cannot spawn a second attempt.
func (c *Coordinator) Establish(ctx context.Context, rec *registry.ConnectionRecord) (*Outcome, error) {
	if threadID := rec.ThreadID(); threadID != "" {
		return c.adopt(ctx, rec, threadID)
	}

	latest, err := c.store.FindLatest(ctx, rec.UserID, rec.GroupID)
	if err != nil {
		if errors.Is(err, interfaces.ErrAssessmentNotFound) {
			return c.start(ctx, rec)
		}
		return nil, fmt.Errorf("failed to look up latest assessment: %w", err)
	}

	if !latest.Status.Recoverable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotRecoverable, latest.Status)
	}

	return c.resume(ctx, rec, latest)
}

// StartFresh creates a new attempt regardless of the user's history. Used
// when the retake policy permits starting over after a final attempt.
func (c *Coordinator) StartFresh(ctx context.Context, rec *registry.ConnectionRecord) (*Outcome, error) {
	if rec.ThreadID() != "" {
		return nil, registry.ErrThreadAlreadySet
	}
	return c.start(ctx, rec)
}

func (c *Coordinator) start(ctx context.Context, rec *registry.ConnectionRecord) (*Outcome, error) {
	assessment, err := c.store.CreateAssessment(ctx, rec.UserID, rec.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to create assessment: %w", err)
	}
	if err := rec.BindThread(assessment.ID); err != nil {
		return nil, err
	}

	if err := c.engine.Initialize(ctx, assessment.ID, rec.GroupID); err != nil {
		return nil, fmt.Errorf("failed to initialize engine for thread %s: %w", assessment.ID, err)
	}

	if err := c.store.SetStatus(ctx, assessment.ID, interfaces.StatusInProgress, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to mark assessment in progress: %w", err)
	}

	progress, err := c.engine.Progress(ctx, assessment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for thread %s: %w", assessment.ID, err)
	}
	return &Outcome{ThreadID: assessment.ID, Recovered: false, Progress: progress}, nil
}

// adopt re-establishes a connection that already holds a thread. Engine
// state existence is checked rather than assumed: a prior start may have
// bound the thread and then failed before initialization completed, and the
// retry has to finish that work instead of reading progress that does not
// exist.
func (c *Coordinator) adopt(ctx context.Context, rec *registry.ConnectionRecord, threadID string) (*Outcome, error) {
	exists, err := c.engine.StateExists(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to check engine state for thread %s: %w", threadID, err)
	}

	recovered := exists
	if !exists {
		if err := c.engine.Initialize(ctx, threadID, rec.GroupID); err != nil {
			return nil, fmt.Errorf("failed to initialize engine for thread %s: %w", threadID, err)
		}
		if err := c.store.SetStatus(ctx, threadID, interfaces.StatusInProgress, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to mark assessment in progress: %w", err)
		}
	}

	progress, err := c.engine.Progress(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for thread %s: %w", threadID, err)
	}
	return &Outcome{ThreadID: threadID, Recovered: recovered, Progress: progress}, nil
}

func (c *Coordinator) resume(ctx context.Context, rec *registry.ConnectionRecord, latest *interfaces.Assessment) (*Outcome, error) {
	if err := rec.BindThread(latest.ID); err != nil {
		return nil, err
	}

	exists, err := c.engine.StateExists(ctx, latest.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check engine state for thread %s: %w", latest.ID, err)
	}

	recovered := exists
	if !exists {
		// The attempt row exists but the engine was never initialized,
		// which happens when the original connection dropped mid-start.
		if err := c.engine.Initialize(ctx, latest.ID, rec.GroupID); err != nil {
			return nil, fmt.Errorf("failed to initialize engine for thread %s: %w", latest.ID, err)
		}
	}

	if latest.Status == interfaces.StatusNotStarted {
		if err := c.store.SetStatus(ctx, latest.ID, interfaces.StatusInProgress, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to mark assessment in progress: %w", err)
		}
	}

	progress, err := c.engine.Progress(ctx, latest.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for thread %s: %w", latest.ID, err)
	}
	return &Outcome{ThreadID: latest.ID, Recovered: recovered, Progress: progress}, nil
}
