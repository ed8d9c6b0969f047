package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	apperrors "github.com/boardforge/boardforge-backend/internal/pkg/errors"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/progress"
)

// Service is the submission-side API: enqueue, inspect, cancel, retry.
// Execution belongs to the worker pool.
type Service struct {
	log       *logger.Logger
	repo      Repo
	registry  *generator.Registry
	publisher progress.Publisher
}

func NewService(log *logger.Logger, repo Repo, registry *generator.Registry, publisher progress.Publisher) *Service {
	return &Service{
		log:       log.With("service", "GenerationService"),
		repo:      repo,
		registry:  registry,
		publisher: publisher,
	}
}

type SubmitInput struct {
	TenantID      uuid.UUID
	BoardID       uuid.UUID
	GeneratorName string
	InputParams   map[string]any
}

// Submit validates the request against the generator's schema and enqueues a
// generation. The job's artifact type comes from the generator, not the
// caller.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Generation, error) {
	if in.TenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant id required: %w", apperrors.ErrInvalidArgument)
	}
	if in.BoardID == uuid.Nil {
		return nil, fmt.Errorf("board id required: %w", apperrors.ErrInvalidArgument)
	}
	gen, err := s.registry.Get(in.GeneratorName)
	if err != nil {
		return nil, err
	}
	if err := gen.InputSchema().ValidatePresence(in.InputParams); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidArgument)
	}

	params, err := json.Marshal(in.InputParams)
	if err != nil {
		return nil, fmt.Errorf("encode input params: %w", err)
	}
	g := &Generation{
		ID:            uuid.New(),
		TenantID:      in.TenantID,
		BoardID:       in.BoardID,
		GeneratorName: gen.Name(),
		ArtifactType:  string(gen.ArtifactType()),
		InputParams:   datatypes.JSON(params),
		Status:        string(StatusQueued),
	}
	if err := s.repo.Create(dbctx.Context{Ctx: ctx}, g); err != nil {
		return nil, err
	}
	s.log.Info("generation queued", "jobID", g.ID, "generator", g.GeneratorName, "tenantID", g.TenantID)
	s.publish(progress.Event{JobID: g.ID, Status: progress.StatusQueued})
	return g, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Generation, error) {
	return s.repo.GetByID(dbctx.Context{Ctx: ctx}, id)
}

// Cancel requests cancellation. A still-queued job flips straight to
// cancelled; a processing job gets a cooperative signal the worker observes
// at its next checkpoint. Cancelling a terminal job is a state error.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	g, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return err
	}
	now := time.Now()

	if g.Status == string(StatusQueued) {
		ok, err := s.repo.UpdateFieldsUnlessTerminal(dbc, id, map[string]interface{}{
			"status":              string(StatusCancelled),
			"cancel_requested_at": now,
			"completed_at":        now,
		})
		if err != nil {
			return err
		}
		if ok {
			s.log.Info("queued generation cancelled", "jobID", id)
			s.publish(progress.Event{JobID: id, Status: progress.StatusCancelled, Progress: g.Progress})
			return nil
		}
		// Lost the race with a claim or a terminal transition; fall through
		// to the cooperative path.
		g, err = s.repo.GetByID(dbc, id)
		if err != nil {
			return err
		}
	}

	if Status(g.Status).Terminal() {
		stateErr := &StateError{JobID: id, Status: Status(g.Status), Op: "cancel"}
		s.log.Error("cancel rejected", "jobID", id, "status", g.Status)
		return stateErr
	}

	ok, err := s.repo.UpdateFieldsUnlessTerminal(dbc, id, map[string]interface{}{
		"cancel_requested_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		stateErr := &StateError{JobID: id, Status: Status(g.Status), Op: "cancel"}
		s.log.Error("cancel rejected", "jobID", id, "status", g.Status)
		return stateErr
	}
	s.log.Info("cancellation requested", "jobID", id)
	return nil
}

// Retry creates a fresh queued attempt from a failed or cancelled job,
// preserving lineage through retry_of_id. The original row is untouched.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*Generation, error) {
	dbc := dbctx.Context{Ctx: ctx}
	orig, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	switch Status(orig.Status) {
	case StatusFailed, StatusCancelled:
	default:
		return nil, fmt.Errorf("job %s is %s, only failed or cancelled jobs can be retried: %w",
			id, orig.Status, apperrors.ErrInvalidArgument)
	}

	origID := orig.ID
	g := &Generation{
		ID:            uuid.New(),
		TenantID:      orig.TenantID,
		BoardID:       orig.BoardID,
		GeneratorName: orig.GeneratorName,
		ArtifactType:  orig.ArtifactType,
		InputParams:   orig.InputParams,
		Status:        string(StatusQueued),
		RetryOfID:     &origID,
	}
	if err := s.repo.Create(dbc, g); err != nil {
		return nil, err
	}
	s.log.Info("generation retried", "jobID", g.ID, "retryOf", origID)
	s.publish(progress.Event{JobID: g.ID, Status: progress.StatusQueued})
	return g, nil
}

func (s *Service) publish(e progress.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(e); err != nil {
		s.log.Warn("publish event failed", "jobID", e.JobID, "error", err)
	}
}
