package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	apperrors "github.com/boardforge/boardforge-backend/internal/pkg/errors"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

func TestRepoCreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "openai-image")
	got, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GeneratorName != "openai-image" || got.Status != string(StatusQueued) {
		t.Fatalf("row mismatch: %+v", got)
	}

	if _, err := repo.GetByID(dbc, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestClaimNextRunnableClaimsOldestQueued(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	older := seedQueued(t, db, "gen")
	db.Model(older).Update("created_at", time.Now().Add(-time.Hour))
	_ = seedQueued(t, db, "gen")

	claimed, err := repo.ClaimNextRunnable(dbc, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != older.ID {
		t.Fatalf("expected oldest job, got %+v", claimed)
	}
	if claimed.Status != string(StatusProcessing) || claimed.Attempts != 1 {
		t.Fatalf("claimed state: %+v", claimed)
	}
	if claimed.LockedAt == nil || claimed.HeartbeatAt == nil {
		t.Fatal("claim must set locked_at and heartbeat_at")
	}
}

func TestClaimIsExactlyOnceUnderContention(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	job := seedQueued(t, db, "gen")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimNextRunnable(dbc, 30*time.Minute)
			if err != nil {
				return
			}
			if claimed != nil && claimed.ID == job.ID {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("job claimed %d times, want exactly 1", winners)
	}
}

func TestClaimReclaimsStaleProcessing(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	stale := time.Now().Add(-time.Hour)
	db.Model(g).Updates(map[string]interface{}{
		"status":       string(StatusProcessing),
		"heartbeat_at": stale,
		"attempts":     1,
	})

	claimed, err := repo.ClaimNextRunnable(dbc, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != g.ID {
		t.Fatalf("stale job not reclaimed: %+v", claimed)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("attempts: %d", claimed.Attempts)
	}
}

func TestClaimSkipsFreshProcessing(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	db.Model(g).Updates(map[string]interface{}{
		"status":       string(StatusProcessing),
		"heartbeat_at": time.Now(),
	})

	claimed, err := repo.ClaimNextRunnable(dbc, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("fresh processing job must not be reclaimed: %+v", claimed)
	}
}

func TestUpdateFieldsUnlessTerminalRejectsTerminalRows(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	ok, err := repo.UpdateFieldsUnlessTerminal(dbc, g.ID, map[string]interface{}{
		"status": string(StatusCompleted),
	})
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	ok, err = repo.UpdateFieldsUnlessTerminal(dbc, g.ID, map[string]interface{}{
		"status":   string(StatusFailed),
		"progress": 50,
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatal("terminal row mutated")
	}

	got, _ := repo.GetByID(dbc, g.ID)
	if got.Status != string(StatusCompleted) {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}

func TestAppendArtifactOrderingAndTerminalGuard(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	ref1 := storage.ArtifactRef{ArtifactID: uuid.New(), ArtifactType: storage.ArtifactTypeImage, StorageKey: "k1", StorageProvider: "local", Variant: "original"}
	ref2 := storage.ArtifactRef{ArtifactID: uuid.New(), ArtifactType: storage.ArtifactTypeImage, StorageKey: "k2", StorageProvider: "local", Variant: "original"}

	if err := repo.AppendArtifact(dbc, g.ID, ref1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := repo.AppendArtifact(dbc, g.ID, ref2); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	got, _ := repo.GetByID(dbc, g.ID)
	refs, err := got.Artifacts()
	if err != nil {
		t.Fatalf("decode artifacts: %v", err)
	}
	if len(refs) != 2 || refs[0].StorageKey != "k1" || refs[1].StorageKey != "k2" {
		t.Fatalf("artifact order: %+v", refs)
	}

	repo.UpdateFieldsUnlessTerminal(dbc, g.ID, map[string]interface{}{"status": string(StatusCancelled)})
	err = repo.AppendArtifact(dbc, g.ID, ref1)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected state error on terminal append, got %v", err)
	}
}

func TestHeartbeatOnlyTouchesProcessing(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	if err := repo.Heartbeat(dbc, g.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := repo.GetByID(dbc, g.ID)
	if got.HeartbeatAt != nil {
		t.Fatal("queued job should not receive heartbeats")
	}

	db.Model(g).Update("status", string(StatusProcessing))
	if err := repo.Heartbeat(dbc, g.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = repo.GetByID(dbc, g.ID)
	if got.HeartbeatAt == nil {
		t.Fatal("processing job heartbeat not recorded")
	}
}

func TestCancelRequestedFlag(t *testing.T) {
	db := testDB(t)
	repo := NewRepo(db, logger.Nop())
	dbc := dbctx.Context{Ctx: context.Background()}

	g := seedQueued(t, db, "gen")
	requested, err := repo.CancelRequested(dbc, g.ID)
	if err != nil || requested {
		t.Fatalf("fresh job: requested=%v err=%v", requested, err)
	}

	now := time.Now()
	db.Model(g).Update("cancel_requested_at", now)
	requested, err = repo.CancelRequested(dbc, g.ID)
	if err != nil || !requested {
		t.Fatalf("after signal: requested=%v err=%v", requested, err)
	}
}
