package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
}

// Poster sends a JSON body to a URL.
type Poster interface {
	Post(ctx context.Context, url string, body []byte) error
}

var jobTypes = []string{JobSupervisor, JobCaller}

// Worker delivers queued notifications.
type Worker struct {
	store   JobStore
	poster  Poster
	metrics *metrics.Metrics
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, poster Poster, m *metrics.Metrics, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		poster:  poster,
		metrics: m,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for notifications until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("notify worker iteration failed", "error", err)
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

// RunOnce claims and delivers a single notification.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	kind := kindOf(job.Type)
	if err := w.deliver(ctx, job); err != nil {
		exhausted, failErr := w.store.FailJob(job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark notification as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if exhausted {
			w.count(kind, "dropped")
			w.logger.Warn("notification dropped", "job_id", job.ID, "kind", kind, "attempts", job.Attempts+1, "error", err)
		} else {
			w.count(kind, "retry")
			w.logger.Warn("notification attempt failed, will retry", "job_id", job.ID, "kind", kind, "attempt", job.Attempts+1, "error", err)
		}
		return true, nil
	}

	w.count(kind, "delivered")
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.URL == "" {
		return fmt.Errorf("no target url configured")
	}
	return w.poster.Post(ctx, payload.URL, payload.Body)
}

func (w *Worker) count(kind, result string) {
	if w.metrics != nil {
		w.metrics.Notifications.WithLabelValues(kind, result).Inc()
	}
}
