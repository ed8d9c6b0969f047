package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/progress"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/manager"
	"github.com/boardforge/boardforge-backend/internal/storage/security"
)

type WorkerOptions struct {
	Concurrency       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StaleRunning      time.Duration
}

func (o *WorkerOptions) applyDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 1 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 15 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.StaleRunning <= 0 {
		o.StaleRunning = 30 * time.Minute
	}
}

// Worker polls the queue and executes claimed generations. Each loop
// iteration claims at most one job; the claim primitive guarantees no job is
// ever executed by two workers at once.
type Worker struct {
	log       *logger.Logger
	repo      Repo
	registry  *generator.Registry
	store     *manager.Manager
	publisher progress.Publisher
	opts      WorkerOptions
}

func NewWorker(baseLog *logger.Logger, repo Repo, registry *generator.Registry, store *manager.Manager, publisher progress.Publisher, opts WorkerOptions) *Worker {
	opts.applyDefaults()
	return &Worker{
		log:       baseLog.With("component", "GenerationWorker"),
		repo:      repo,
		registry:  registry,
		store:     store,
		publisher: publisher,
		opts:      opts,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting generation worker pool", "concurrency", w.opts.Concurrency)
	for i := 0; i < w.opts.Concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.opts.StaleRunning)
			if err != nil {
				w.log.Warn("claim failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.execute(ctx, workerID, job)
		}
	}
}

// RunOnce claims and executes at most one job, reporting whether one was
// found. Used by tests and drain tooling; the polling loop goes through the
// same path.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.opts.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, 0, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, workerID int, job *Generation) {
	log := w.log.With("worker_id", workerID, "job_id", job.ID, "generator", job.GeneratorName)

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	sink := newJobSink(w.repo, w.publisher, w.log, job.ID)
	if job.CancelRequestedAt != nil {
		sink.markCancelled()
	}

	hbDone := make(chan struct{})
	go w.heartbeatLoop(jobCtx, job, sink, cancel, hbDone)
	defer func() {
		cancel()
		<-hbDone
	}()

	w.publishEvent(progress.Event{JobID: job.ID, Status: progress.StatusProcessing, Progress: 0, Phase: "claimed"})

	gen, err := w.registry.Get(job.GeneratorName)
	if err != nil {
		log.Warn("no generator registered", "error", err)
		w.finishFailed(job, ErrCategoryInternal, fmt.Sprintf("unknown generator %q", job.GeneratorName))
		return
	}

	params := map[string]any{}
	if len(job.InputParams) > 0 {
		if uErr := json.Unmarshal(job.InputParams, &params); uErr != nil {
			log.Warn("bad input params", "error", uErr)
			w.finishFailed(job, ErrCategoryValidation, "input params are not a JSON object")
			return
		}
	}

	ec := execution.NewContext(jobCtx, w.log, w.store, sink, job.ID, job.TenantID, job.BoardID)
	defer ec.Close()

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("generator panic", "panic", r)
				err = fmt.Errorf("generator panic: %v", r)
			}
		}()
		return gen.Generate(ec, params)
	}()

	if runErr != nil {
		if errors.Is(runErr, execution.ErrCancelled) || sink.CancelRequested() {
			log.Info("generation cancelled")
			w.finishCancelled(job)
			return
		}
		if errors.Is(runErr, context.DeadlineExceeded) || jobCtx.Err() == context.DeadlineExceeded {
			log.Warn("generation timed out")
			w.finishCancelled(job)
			return
		}
		category := categorize(runErr)
		log.Warn("generation failed", "category", category, "error", runErr)
		w.finishFailed(job, category, runErr.Error())
		return
	}

	// Cancellation that raced the final store still wins over completion.
	if sink.CancelRequested() {
		log.Info("generation cancelled after run")
		w.finishCancelled(job)
		return
	}
	w.finishCompleted(job)
	log.Info("generation completed")
}

// heartbeatLoop keeps the claim fresh and watches for the cancellation
// signal while the generator runs.
func (w *Worker) heartbeatLoop(ctx context.Context, job *Generation, sink *jobSink, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dbc := dbctx.Context{Ctx: context.Background()}
			if err := w.repo.Heartbeat(dbc, job.ID); err != nil {
				w.log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
			requested, err := w.repo.CancelRequested(dbc, job.ID)
			if err != nil {
				w.log.Warn("cancel poll failed", "job_id", job.ID, "error", err)
				continue
			}
			if requested {
				sink.markCancelled()
				cancel()
				return
			}
		}
	}
}

func (w *Worker) finishCompleted(job *Generation) {
	now := time.Now()
	ok, err := w.repo.UpdateFieldsUnlessTerminal(dbctx.Context{Ctx: context.Background()}, job.ID, map[string]interface{}{
		"status":       string(StatusCompleted),
		"progress":     100,
		"stage":        "done",
		"locked_at":    nil,
		"completed_at": now,
	})
	w.afterTerminal(job, ok, err, progress.Event{JobID: job.ID, Status: progress.StatusCompleted, Progress: 100})
}

func (w *Worker) finishFailed(job *Generation, category, message string) {
	now := time.Now()
	ok, err := w.repo.UpdateFieldsUnlessTerminal(dbctx.Context{Ctx: context.Background()}, job.ID, map[string]interface{}{
		"status":         string(StatusFailed),
		"error_category": category,
		"error_message":  message,
		"locked_at":      nil,
		"completed_at":   now,
	})
	w.afterTerminal(job, ok, err, progress.Event{
		JobID:   job.ID,
		Status:  progress.StatusFailed,
		Phase:   category,
		Message: message,
	})
}

func (w *Worker) finishCancelled(job *Generation) {
	now := time.Now()
	ok, err := w.repo.UpdateFieldsUnlessTerminal(dbctx.Context{Ctx: context.Background()}, job.ID, map[string]interface{}{
		"status":       string(StatusCancelled),
		"locked_at":    nil,
		"completed_at": now,
	})
	w.afterTerminal(job, ok, err, progress.Event{JobID: job.ID, Status: progress.StatusCancelled})
}

// afterTerminal publishes the terminal event only when this worker's update
// actually applied; a rejected transition means the row was already terminal
// and its owner published the terminal event.
func (w *Worker) afterTerminal(job *Generation, applied bool, err error, e progress.Event) {
	if err != nil {
		w.log.Error("terminal update failed", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		w.log.Error("terminal transition rejected, job already terminal", "job_id", job.ID, "attempted", e.Status)
		return
	}
	w.publishEvent(e)
}

func (w *Worker) publishEvent(e progress.Event) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(e); err != nil {
		w.log.Warn("publish event failed", "job_id", e.JobID, "error", err)
	}
}

// categorize maps an execution failure onto the persisted error taxonomy.
func categorize(err error) string {
	var se *security.SecurityError
	if errors.As(err, &se) {
		return ErrCategorySecurity
	}
	var ve *security.ValidationError
	if errors.As(err, &ve) {
		return ErrCategoryValidation
	}
	var sto *storage.Error
	if errors.As(err, &sto) {
		return ErrCategoryStorage
	}
	var ge *generator.Error
	if errors.As(err, &ge) {
		return ErrCategoryGenerator
	}
	return ErrCategoryInternal
}
