// Package execution provides the per-job handle passed into generators. The
// Context is the only sanctioned way for a generator to pull input artifacts,
// persist outputs, and report progress.
package execution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/manager"
)

// ErrCancelled is returned from context operations once cancellation has been
// requested for the job. The worker maps it to the cancelled terminal state.
var ErrCancelled = errors.New("job cancelled")

// Sink receives the side effects of a running job: artifact references,
// provider correlation IDs, and progress events. The job layer implements it
// against the generation record and the progress publisher.
type Sink interface {
	AppendArtifact(ctx context.Context, ref storage.ArtifactRef) error
	SetExternalJobID(ctx context.Context, id string) error
	PublishProgress(pct int, phase, message string)
	CancelRequested() bool
}

// StoredArtifact is one generator output: the permanent reference plus the
// media dimensions the generator reported alongside it.
type StoredArtifact struct {
	Ref             storage.ArtifactRef
	Format          string
	Width           int
	Height          int
	DurationSeconds float64
}

// Context is constructed fresh per claimed job and must not be reused. All
// I/O methods honor both the wrapped context.Context and the cooperative
// cancel flag on the sink, checking before each provider call and each store.
type Context struct {
	JobID    uuid.UUID
	TenantID uuid.UUID
	BoardID  uuid.UUID

	ctx   context.Context
	log   *logger.Logger
	store *manager.Manager
	sink  Sink

	mu        sync.Mutex
	tmpDir    string
	cleanups  []func()
	artifacts []StoredArtifact
}

func NewContext(ctx context.Context, log *logger.Logger, store *manager.Manager, sink Sink, jobID, tenantID, boardID uuid.UUID) *Context {
	return &Context{
		JobID:    jobID,
		TenantID: tenantID,
		BoardID:  boardID,
		ctx:      ctx,
		log:      log.With("jobID", jobID),
		store:    store,
		sink:     sink,
	}
}

// Ctx exposes the underlying context for generators that make their own
// outbound calls.
func (c *Context) Ctx() context.Context { return c.ctx }

// Checkpoint reports whether execution should stop. Generators and the
// context itself call it before every slow operation.
func (c *Context) Checkpoint() error {
	if err := c.ctx.Err(); err != nil {
		return ErrCancelled
	}
	if c.sink != nil && c.sink.CancelRequested() {
		return ErrCancelled
	}
	return nil
}

// ResolveArtifact turns a generator input into a local file path. Remote
// http(s) URLs are SSRF-checked and downloaded into the context's scoped
// temp dir; anything else is treated as an already-local path and returned
// unchanged. Downloaded files are removed when the context closes.
func (c *Context) ResolveArtifact(refOrURL string) (string, error) {
	if err := c.Checkpoint(); err != nil {
		return "", err
	}
	refOrURL = strings.TrimSpace(refOrURL)
	if refOrURL == "" {
		return "", fmt.Errorf("empty artifact reference")
	}
	u, err := url.Parse(refOrURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return refOrURL, nil
	}

	dir, err := c.tempDir()
	if err != nil {
		return "", err
	}
	path, _, cleanup, err := c.store.DownloadToTemp(c.ctx, refOrURL, dir)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.cleanups = append(c.cleanups, cleanup)
	c.mu.Unlock()
	return path, nil
}

// StoreImageResult downloads the provider's temporary URL and persists it as
// an image artifact on the job.
func (c *Context) StoreImageResult(tempURL, format string, width, height int) (storage.ArtifactRef, error) {
	return c.storeFromURL(tempURL, storage.ArtifactTypeImage, StoredArtifact{
		Format: format,
		Width:  width,
		Height: height,
	})
}

func (c *Context) StoreVideoResult(tempURL, format string, width, height int, durationSeconds float64) (storage.ArtifactRef, error) {
	return c.storeFromURL(tempURL, storage.ArtifactTypeVideo, StoredArtifact{
		Format:          format,
		Width:           width,
		Height:          height,
		DurationSeconds: durationSeconds,
	})
}

func (c *Context) StoreAudioResult(tempURL, format string, durationSeconds float64) (storage.ArtifactRef, error) {
	return c.storeFromURL(tempURL, storage.ArtifactTypeAudio, StoredArtifact{
		Format:          format,
		DurationSeconds: durationSeconds,
	})
}

func (c *Context) StoreTextResult(tempURL string) (storage.ArtifactRef, error) {
	return c.storeFromURL(tempURL, storage.ArtifactTypeText, StoredArtifact{Format: "text"})
}

// StoreTextContent persists in-memory text output directly, for generators
// whose provider returns content inline rather than via a temporary URL.
func (c *Context) StoreTextContent(content, contentType string) (storage.ArtifactRef, error) {
	if err := c.Checkpoint(); err != nil {
		return storage.ArtifactRef{}, err
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	ref, err := c.store.Store(c.ctx, manager.StoreInput{
		TenantID:     c.TenantID,
		BoardID:      c.BoardID,
		ArtifactType: storage.ArtifactTypeText,
		ContentType:  contentType,
		Body:         strings.NewReader(content),
	})
	if err != nil {
		return storage.ArtifactRef{}, err
	}
	return ref, c.record(ref, StoredArtifact{Format: "text"})
}

func (c *Context) storeFromURL(tempURL string, at storage.ArtifactType, meta StoredArtifact) (storage.ArtifactRef, error) {
	if err := c.Checkpoint(); err != nil {
		return storage.ArtifactRef{}, err
	}
	ref, err := c.store.StoreFromURL(c.ctx, manager.StoreFromURLInput{
		TenantID:     c.TenantID,
		BoardID:      c.BoardID,
		ArtifactType: at,
		URL:          tempURL,
	})
	if err != nil {
		return storage.ArtifactRef{}, err
	}
	return ref, c.record(ref, meta)
}

func (c *Context) record(ref storage.ArtifactRef, meta StoredArtifact) error {
	meta.Ref = ref
	c.mu.Lock()
	c.artifacts = append(c.artifacts, meta)
	c.mu.Unlock()
	if c.sink != nil {
		if err := c.sink.AppendArtifact(c.ctx, ref); err != nil {
			return fmt.Errorf("record artifact on job: %w", err)
		}
	}
	return nil
}

// PublishProgress forwards a progress update tagged with this job. Terminal
// handling lives on the sink side; once the job is terminal the update is a
// no-op there.
func (c *Context) PublishProgress(pct int, phase, message string) {
	if c.sink == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.sink.PublishProgress(pct, phase, message)
}

// SetExternalJobID records the provider-side identifier for later status
// correlation or remote cancellation.
func (c *Context) SetExternalJobID(id string) error {
	if c.sink == nil {
		return nil
	}
	return c.sink.SetExternalJobID(c.ctx, id)
}

// Artifacts returns the outputs stored so far, in store order.
func (c *Context) Artifacts() []StoredArtifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StoredArtifact, len(c.artifacts))
	copy(out, c.artifacts)
	return out
}

func (c *Context) tempDir() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tmpDir != "" {
		return c.tmpDir, nil
	}
	dir, err := os.MkdirTemp("", "job-"+c.JobID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("create job temp dir: %w", err)
	}
	c.tmpDir = dir
	return dir, nil
}

// Close removes the scoped temp dir and any downloaded files. Always called
// by the worker, including on failure and cancellation paths.
func (c *Context) Close() {
	c.mu.Lock()
	cleanups := c.cleanups
	dir := c.tmpDir
	c.cleanups = nil
	c.tmpDir = ""
	c.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("failed to remove job temp dir", "dir", dir, "error", err)
		}
	}
}
