package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	apperrors "github.com/boardforge/boardforge-backend/internal/pkg/errors"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type Repo interface {
	Create(dbc dbctx.Context, g *Generation) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*Generation, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*Generation, error)
	UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
	AppendArtifact(dbc dbctx.Context, id uuid.UUID, ref storage.ArtifactRef) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	CancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{
		db:  db,
		log: baseLog.With("repo", "GenerationRepo"),
	}
}

func (r *repo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *repo) Create(dbc dbctx.Context, g *Generation) error {
	if g == nil {
		return nil
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	return r.handle(dbc).Create(g).Error
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*Generation, error) {
	var g Generation
	err := r.handle(dbc).Where("id = ?", id).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ClaimNextRunnable hands exactly one runnable job to the calling worker. A
// job is runnable if queued, or if processing but its worker stopped
// heartbeating for longer than staleRunning. The claim is a conditional
// update: only the worker whose update matched the still-claimable row wins,
// so two workers never claim the same job regardless of database backend.
func (r *repo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*Generation, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	h := r.handle(dbc)

	const candidatesPerPoll = 5
	for i := 0; i < candidatesPerPoll; i++ {
		var g Generation
		err := h.
			Where("status = ? OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)",
				string(StatusQueued), string(StatusProcessing), staleCutoff).
			Order("created_at ASC").
			Offset(i).
			First(&g).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := h.Model(&Generation{}).
			Where("id = ? AND (status = ? OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?))",
				g.ID, string(StatusQueued), string(StatusProcessing), staleCutoff).
			Updates(map[string]interface{}{
				"status":       string(StatusProcessing),
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker won this row; try the next candidate.
			continue
		}
		return r.GetByID(dbc, g.ID)
	}
	return nil, nil
}

// UpdateFieldsUnlessTerminal applies updates only while the job is still
// live. Returns false when the row was already terminal.
func (r *repo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.handle(dbc).
		Model(&Generation{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AppendArtifact adds one stored reference to the job's ordered output list.
func (r *repo) AppendArtifact(dbc dbctx.Context, id uuid.UUID, ref storage.ArtifactRef) error {
	h := r.handle(dbc)
	return h.Transaction(func(txx *gorm.DB) error {
		var g Generation
		if err := txx.Where("id = ?", id).First(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrNotFound
			}
			return err
		}
		if Status(g.Status).Terminal() {
			return &StateError{JobID: id, Status: Status(g.Status), Op: "append artifact"}
		}
		var refs []storage.ArtifactRef
		if len(g.OutputArtifacts) > 0 {
			if err := json.Unmarshal(g.OutputArtifacts, &refs); err != nil {
				return err
			}
		}
		refs = append(refs, ref)
		raw, err := json.Marshal(refs)
		if err != nil {
			return err
		}
		res := txx.Model(&Generation{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatuses).
			Updates(map[string]interface{}{
				"output_artifacts": datatypes.JSON(raw),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &StateError{JobID: id, Status: Status(g.Status), Op: "append artifact"}
		}
		return nil
	})
}

func (r *repo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&Generation{}).
		Where("id = ? AND status = ?", id, string(StatusProcessing)).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// CancelRequested reports whether a cancellation signal has been recorded
// for the job. Polled by the worker's heartbeat loop.
func (r *repo) CancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	var g Generation
	err := r.handle(dbc).
		Select("cancel_requested_at").
		Where("id = ?", id).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperrors.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return g.CancelRequestedAt != nil, nil
}
