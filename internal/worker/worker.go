// Package worker runs background summarization jobs from the SQLite queue.
// The API enqueues a summarize_thread job after each persisted exchange; the
// worker claims it and lets the summarizer decide whether compression is due.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomchat/loom/internal/storage"
)

// JobType is the queue type this worker consumes.
const JobType = "summarize_thread"

// JobStore abstracts the job queue operations. Implemented by storage.Store.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Compressor runs thread compression. Implemented by summarize.Summarizer.
type Compressor interface {
	CompressIfNeeded(ctx context.Context, threadID string) (bool, error)
}

// Worker processes summarize_thread jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	compressor Compressor
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, compressor Compressor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		compressor: compressor,
		poll:       pollInterval,
		logger:     slog.Default(),
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
			w.logger.Error("worker iteration failed", "error", err)
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

// RunOnce claims and processes a single summarize_thread job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Payload is the summarize_thread job payload.
type Payload struct {
	ThreadID string `json:"thread_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.ThreadID == "" {
		return fmt.Errorf("job %s missing thread_id", job.ID)
	}

	compressed, err := w.compressor.CompressIfNeeded(ctx, payload.ThreadID)
	if err != nil {
		return fmt.Errorf("compressing thread %s: %w", payload.ThreadID, err)
	}
	if compressed {
		w.logger.Debug("compression ran", "thread_id", payload.ThreadID)
	}
	return nil
}
