// Package trigger runs the side effects of record creation. Creating a user
// enqueues a user_created job in the same transaction; the worker here
// claims it and initializes the user's chat history.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/storage"
)

// JobStore abstracts the job queue and the user operations the trigger needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	InitChatHistory(ctx context.Context, uid string) (bool, error)
}

// Worker processes user_created jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("trigger iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single user_created job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobUserCreated})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("trigger job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type userCreatedPayload struct {
	UID string `json:"uid"`
}

// processJob initializes the new user's history. A payload without a uid,
// or a user deleted before the job ran, completes without effect.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload userCreatedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.UID == "" {
		w.logger.Info("user_created job without uid, skipping", "job_id", job.ID)
		return nil
	}

	changed, err := w.store.InitChatHistory(ctx, payload.UID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("user no longer exists, skipping history init", "uid", payload.UID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("initializing chat history for %s: %w", payload.UID, err)
	}
	w.logger.Debug("chat history initialized", "uid", payload.UID, "changed", changed)
	return nil
}
