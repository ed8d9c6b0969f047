package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/handlers"
	"github.com/boardforge/boardforge-backend/internal/jobs"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/progress"
	"github.com/boardforge/boardforge-backend/internal/server"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type stubGenerator struct{}

func (stubGenerator) Name() string                       { return "stub-image" }
func (stubGenerator) ArtifactType() storage.ArtifactType { return storage.ArtifactTypeImage }
func (stubGenerator) InputSchema() generator.Schema {
	return generator.Schema{
		Params: []generator.Param{{Name: "prompt", Type: "string", Required: true}},
	}
}
func (stubGenerator) EstimateCost(map[string]any) float64               { return 0 }
func (stubGenerator) Generate(*execution.Context, map[string]any) error { return nil }

type apiFixture struct {
	router *gin.Engine
	hub    *progress.Hub
	svc    *jobs.Service
}

var routerTestSeq int

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Nop()

	routerTestSeq++
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared&_busy_timeout=5000", routerTestSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&jobs.Generation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	registry := generator.NewRegistry()
	if err := registry.Register(stubGenerator{}); err != nil {
		t.Fatalf("register generator: %v", err)
	}
	hub := progress.NewHub(log)
	repo := jobs.NewRepo(db, log)
	svc := jobs.NewService(log, repo, registry, hub)

	router := server.NewRouter(server.RouterConfig{
		GenerationHandler: handlers.NewGenerationHandler(log, svc),
		GeneratorsHandler: handlers.NewGeneratorsHandler(registry),
		EventsHandler:     handlers.NewEventsHandler(log, hub),
	})
	return &apiFixture{router: router, hub: hub, svc: svc}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSubmitThenGetRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/generations", gin.H{
		"tenant_id":      uuid.New(),
		"board_id":       uuid.New(),
		"generator_name": "stub-image",
		"input_params":   gin.H{"prompt": "a red square"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	var submitResp struct {
		Job jobs.Generation `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitResp.Job.Status != string(jobs.StatusQueued) {
		t.Fatalf("submitted job status = %q, want queued", submitResp.Job.Status)
	}

	w = f.do(t, http.MethodGet, "/api/generations/"+submitResp.Job.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var getResp struct {
		Job jobs.Generation `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if getResp.Job.ID != submitResp.Job.ID {
		t.Fatalf("get returned job %s, want %s", getResp.Job.ID, submitResp.Job.ID)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/generations", gin.H{
		"tenant_id":      uuid.New(),
		"board_id":       uuid.New(),
		"generator_name": "no-such-generator",
		"input_params":   gin.H{"prompt": "x"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown generator status = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/generations", gin.H{
		"tenant_id":      uuid.New(),
		"board_id":       uuid.New(),
		"generator_name": "stub-image",
		"input_params":   gin.H{},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing required param status = %d, want 400", w.Code)
	}
	var envelope handlers.ErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "submit_failed" {
		t.Fatalf("error code = %q, want submit_failed", envelope.Error.Code)
	}
}

func TestGetUnknownJobIs404(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/generations/"+uuid.NewString(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/generations/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id status = %d, want 400", w.Code)
	}
}

func TestCancelQueuedJobViaAPI(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/generations", gin.H{
		"tenant_id":      uuid.New(),
		"board_id":       uuid.New(),
		"generator_name": "stub-image",
		"input_params":   gin.H{"prompt": "x"},
	})
	var submitResp struct {
		Job jobs.Generation `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/generations/"+submitResp.Job.ID.String()+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", w.Code, w.Body.String())
	}

	// Cancelling a terminal job is a conflict, not a silent success.
	w = f.do(t, http.MethodPost, "/api/generations/"+submitResp.Job.ID.String()+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", w.Code)
	}
}

func TestListGeneratorsFilters(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/generators", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Generators []generator.Manifest `json:"generators"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(resp.Generators) != 1 || resp.Generators[0].Name != "stub-image" {
		t.Fatalf("unexpected manifests: %+v", resp.Generators)
	}

	w = f.do(t, http.MethodGet, "/api/generators?artifact_type=video", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(resp.Generators) != 0 {
		t.Fatalf("video filter returned %d manifests, want 0", len(resp.Generators))
	}

	w = f.do(t, http.MethodGet, "/api/generators?artifact_type=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus filter status = %d, want 400", w.Code)
	}
}

func TestEventStreamEndsAfterTerminalEvent(t *testing.T) {
	f := newAPIFixture(t)
	jobID := uuid.New()

	if err := f.hub.Publish(progress.Event{JobID: jobID, Status: progress.StatusCompleted, Progress: 100}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The job is already terminal, so the stream replays the final event and
	// returns without waiting on the client.
	w := f.do(t, http.MethodGet, "/api/generations/"+jobID.String()+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: progress") || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("stream body missing terminal event: %q", body)
	}
}
