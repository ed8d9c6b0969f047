package jobs

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/progress"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

// jobSink is the execution.Sink for one claimed job. It persists side
// effects through the repo with terminal guards and forwards progress to the
// publisher. The worker's heartbeat loop flips the cancel flag.
type jobSink struct {
	repo      Repo
	publisher progress.Publisher
	log       *logger.Logger
	jobID     uuid.UUID

	cancelled atomic.Bool
	terminal  atomic.Bool
}

func newJobSink(repo Repo, publisher progress.Publisher, log *logger.Logger, jobID uuid.UUID) *jobSink {
	return &jobSink{
		repo:      repo,
		publisher: publisher,
		log:       log.With("jobID", jobID),
		jobID:     jobID,
	}
}

func (s *jobSink) markCancelled() { s.cancelled.Store(true) }

func (s *jobSink) CancelRequested() bool { return s.cancelled.Load() }

func (s *jobSink) AppendArtifact(ctx context.Context, ref storage.ArtifactRef) error {
	return s.repo.AppendArtifact(dbctx.Context{Ctx: ctx}, s.jobID, ref)
}

func (s *jobSink) SetExternalJobID(ctx context.Context, id string) error {
	_, err := s.repo.UpdateFieldsUnlessTerminal(dbctx.Context{Ctx: ctx}, s.jobID, map[string]interface{}{
		"external_job_id": id,
	})
	return err
}

// PublishProgress persists the snapshot and emits a live event. Once the job
// is terminal both become no-ops: the guarded update reports the row was not
// touched and no event is published.
func (s *jobSink) PublishProgress(pct int, phase, message string) {
	if s.terminal.Load() {
		return
	}
	ok, err := s.repo.UpdateFieldsUnlessTerminal(dbctx.Context{Ctx: context.Background()}, s.jobID, map[string]interface{}{
		"progress": pct,
		"stage":    phase,
	})
	if err != nil {
		s.log.Warn("persist progress failed", "error", err)
		return
	}
	if !ok {
		s.terminal.Store(true)
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(progress.Event{
			JobID:    s.jobID,
			Status:   progress.StatusProcessing,
			Progress: pct,
			Phase:    phase,
			Message:  message,
		}); err != nil {
			s.log.Warn("publish progress failed", "error", err)
		}
	}
}
