package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/store"
)

var (
	// ErrAlreadyQueued is returned when a submission already has a
	// non-terminal run.
	ErrAlreadyQueued = errors.New("submission already queued")
	// ErrQueueFull is returned when the intake buffer has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrNotCancellable is returned for cancel requests against runs
	// that already reached a terminal status.
	ErrNotCancellable = errors.New("run already finished")
)

// Queue dispatches queued submissions to a fixed pool of pipeline
// workers. At most one run is active per submission id; a run is
// picked up by exactly one worker.
type Queue struct {
	pipeline *Pipeline
	store    store.Store
	logger   *slog.Logger

	jobs chan uuid.UUID
	wg   sync.WaitGroup

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
	closed    bool
}

// NewQueue builds a queue over the given pipeline. workers and buffer
// fall back to sane minimums when non-positive.
func NewQueue(p *Pipeline, workers, buffer int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		pipeline:  p,
		store:     p.Store,
		logger:    logger,
		jobs:      make(chan uuid.UUID, buffer),
		cancelled: make(map[uuid.UUID]bool),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker(i)
	}
	return q
}

// Enqueue records a queued run for the submission and hands it to the
// worker pool. The submission must already be persisted.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if existing, err := q.store.GetRun(ctx, id); err == nil {
		if !existing.Status.Terminal() {
			return ErrAlreadyQueued
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check existing run: %w", err)
	}

	run := &store.Run{
		SubmissionID: id,
		Stage:        StagePreprocessing,
		Status:       store.StatusQueued,
	}
	if err := q.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return q.dispatch(id)
}

func (q *Queue) dispatch(id uuid.UUID) error {
	// The lock is held across the non-blocking send so Close cannot
	// close the channel mid-dispatch.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.jobs <- id:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel requests cancellation. A run that has not started is
// cancelled outright; a run already in flight keeps its current
// attempt but is denied further retries.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	run, err := q.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrNotCancellable
	}

	q.mu.Lock()
	q.cancelled[id] = true
	q.mu.Unlock()

	if run.Status == store.StatusQueued {
		run.Status = store.StatusCancelled
		run.Reason = "cancelled"
		if err := q.store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("save cancelled run: %w", err)
		}
	}
	return nil
}

// Resume re-dispatches runs that were queued or in flight when the
// process last stopped. Interrupted runs restart from the beginning:
// pages and intermediate text are not checkpointed, only the raw
// submission is.
func (q *Queue) Resume(ctx context.Context) error {
	runs, err := q.store.LoadResumableRuns(ctx)
	if err != nil {
		return fmt.Errorf("load resumable runs: %w", err)
	}
	for _, run := range runs {
		run.Stage = StagePreprocessing
		run.Status = store.StatusQueued
		if err := q.store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("requeue %s: %w", run.SubmissionID, err)
		}
		if err := q.dispatch(run.SubmissionID); err != nil {
			q.logger.Warn("could not re-dispatch run",
				"submission_id", run.SubmissionID, "error", err)
		}
	}
	if len(runs) > 0 {
		q.logger.Info("resumed interrupted runs", "count", len(runs))
	}
	return nil
}

// Close stops intake and waits for in-flight runs to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	log := q.logger.With("worker", n)
	for id := range q.jobs {
		queueDepth.Dec()
		q.process(log, id)
	}
}

func (q *Queue) process(log *slog.Logger, id uuid.UUID) {
	ctx := context.Background()

	run, err := q.store.GetRun(ctx, id)
	if err != nil {
		log.Error("dropping job with no run row", "submission_id", id, "error", err)
		return
	}
	// Cancelled while queued: nothing to do.
	if run.Status.Terminal() {
		q.forget(id)
		return
	}

	start := time.Now()
	execErr := q.pipeline.Execute(ctx, run, func() bool { return q.isCancelled(id) })
	q.forget(id)

	switch {
	case execErr == nil:
		run.Status = store.StatusSucceeded
		run.Reason = ""
	case errors.Is(execErr, errCancelled):
		run.Status = store.StatusCancelled
		run.Reason = "cancelled"
		run.LastError = execErr.Error()
	default:
		run.Status = store.StatusFailed
		run.Reason = FailureReason(execErr)
		run.LastError = execErr.Error()
	}
	runsTotal.WithLabelValues(string(run.Status)).Inc()

	if err := q.store.SaveRun(ctx, run); err != nil {
		log.Error("failed to save terminal run state",
			"submission_id", id, "status", run.Status, "error", err)
	}

	if execErr != nil {
		log.Warn("run finished", "submission_id", id, "status", run.Status,
			"stage", run.Stage, "reason", run.Reason,
			"duration", time.Since(start), "error", execErr)
		return
	}
	log.Info("run finished", "submission_id", id, "status", run.Status,
		"duration", time.Since(start))
}

func (q *Queue) isCancelled(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[id]
}

func (q *Queue) forget(id uuid.UUID) {
	q.mu.Lock()
	delete(q.cancelled, id)
	q.mu.Unlock()
}
