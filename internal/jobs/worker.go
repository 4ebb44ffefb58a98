package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ecosim/internal/storage"
)

// Job types.
const (
	TypeEvaluateSession = "evaluate_session"
	TypeIndexDocument   = "index_document"
)

// EvaluatePayload is the payload of an evaluate_session job.
type EvaluatePayload struct {
	SessionID string `json:"session_id"`
}

// Queue abstracts the job queue operations of the store.
type Queue interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueRunningJobs(ctx context.Context) (int, error)
}

// settleTimeout bounds the call recording a job's outcome, which runs even
// after the worker context is cancelled.
const settleTimeout = 5 * time.Second

// Handler processes one claimed job. A returned error fails the attempt and
// schedules a retry until the job runs out of attempts.
type Handler func(ctx context.Context, job *storage.Job) error

// Worker polls the persistent queue and dispatches jobs by type.
type Worker struct {
	queue    Queue
	handlers map[string]Handler
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with no handlers registered.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(queue Queue, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:    queue,
		handlers: make(map[string]Handler),
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Handle registers h for jobType. Must be called before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

func (w *Worker) types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls for jobs until ctx is cancelled. Jobs a previous run left
// running are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.queue.RequeueRunningJobs(ctx); err != nil {
		w.logger.Error("failed to requeue interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

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

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = w.process(ctx, job)

	// The outcome is recorded even when ctx was cancelled during the job.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.queue.FailJob(settleCtx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteJob(settleCtx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Debug("job completed", "job_id", job.ID, "type", job.Type)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) (err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// New builds a pending job of the given type with a JSON payload.
func New(jobType string, payload any) (storage.Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding %s payload: %w", jobType, err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(b),
	}, nil
}

// Decode unmarshals the payload of job into v.
func Decode(job *storage.Job, v any) error {
	if err := json.Unmarshal([]byte(job.PayloadJSON), v); err != nil {
		return fmt.Errorf("parsing %s payload: %w", job.Type, err)
	}
	return nil
}
