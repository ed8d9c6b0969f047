// Package manager composes the security validator, key builder, router, and
// providers into the single store/fetch/delete contract the rest of the
// system uses.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/keys"
	"github.com/boardforge/boardforge-backend/internal/storage/router"
	"github.com/boardforge/boardforge-backend/internal/storage/security"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Options struct {
	MaxFileSize         int64
	AllowedContentTypes []string
	Retry               RetryPolicy
	// HTTPClient is used for download-then-reupload fetches. Tests inject
	// their own.
	HTTPClient *http.Client
}

type Manager struct {
	log       *logger.Logger
	validator *security.Validator
	router    *router.Router
	providers map[string]storage.Provider

	maxFileSize int64
	allowed     map[string]struct{}
	retry       RetryPolicy
	httpClient  *http.Client
}

func New(log *logger.Logger, validator *security.Validator, rt *router.Router, providers map[string]storage.Provider, opts Options) (*Manager, error) {
	if validator == nil {
		return nil, fmt.Errorf("validator required")
	}
	if rt == nil {
		return nil, fmt.Errorf("router required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one storage provider required")
	}
	allowed := make(map[string]struct{}, len(opts.AllowedContentTypes))
	for _, ct := range opts.AllowedContentTypes {
		allowed[ct] = struct{}{}
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 200 * time.Millisecond
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = 100 << 20
	}
	return &Manager{
		log:         log.With("service", "StorageManager"),
		validator:   validator,
		router:      rt,
		providers:   providers,
		maxFileSize: maxFileSize,
		allowed:     allowed,
		retry:       retry,
		httpClient:  httpClient,
	}, nil
}

func (m *Manager) Validator() *security.Validator { return m.validator }
func (m *Manager) MaxFileSize() int64             { return m.maxFileSize }

// StoreInput describes one upload. A zero ArtifactID gets a generated one.
type StoreInput struct {
	TenantID     uuid.UUID
	BoardID      uuid.UUID
	ArtifactID   uuid.UUID
	ArtifactType storage.ArtifactType
	Variant      string
	ContentType  string
	Body         io.Reader
}

// Store runs the full sequence: validate content type and size, route to a
// provider, build and validate the key, upload with retry on transient
// failures, and construct the immutable artifact reference.
func (m *Manager) Store(ctx context.Context, in StoreInput) (storage.ArtifactRef, error) {
	if !in.ArtifactType.Valid() {
		return storage.ArtifactRef{}, &security.ValidationError{
			Code:   security.CodeContentType,
			Detail: fmt.Sprintf("unknown artifact type %q", in.ArtifactType),
		}
	}
	if err := m.validator.ValidateContentType(in.ContentType, m.allowed); err != nil {
		return storage.ArtifactRef{}, err
	}

	spool, size, cleanup, err := m.spool(ctx, in.Body)
	if err != nil {
		return storage.ArtifactRef{}, err
	}
	defer cleanup()

	if err := m.validator.ValidateSize(size, m.maxFileSize); err != nil {
		return storage.ArtifactRef{}, err
	}

	artifactID := in.ArtifactID
	if artifactID == uuid.Nil {
		artifactID = uuid.New()
	}
	providerName := m.router.SelectProvider(in.ArtifactType, size)
	provider, ok := m.providers[providerName]
	if !ok {
		// Startup validation makes this unreachable; treat it as a bug.
		return storage.ArtifactRef{}, fmt.Errorf("router selected unconfigured provider %q", providerName)
	}

	key := keys.Build(in.TenantID, in.ArtifactType, in.BoardID, artifactID, in.Variant)
	if err := m.validator.ValidateKey(key); err != nil {
		return storage.ArtifactRef{}, err
	}

	if err := m.putWithRetry(ctx, provider, key, spool, in.ContentType); err != nil {
		return storage.ArtifactRef{}, err
	}

	variant := in.Variant
	if variant == "" {
		variant = keys.DefaultVariant
	}
	ref := storage.ArtifactRef{
		ArtifactID:      artifactID,
		ArtifactType:    in.ArtifactType,
		StorageKey:      key,
		StorageProvider: providerName,
		ContentType:     in.ContentType,
		SizeBytes:       size,
		Variant:         variant,
	}
	m.log.Info("artifact stored",
		"artifact_id", artifactID,
		"provider", providerName,
		"key", key,
		"bytes", size,
	)
	return ref, nil
}

// StoreFromURLInput describes a download-then-reupload of a provider-supplied
// temporary URL.
type StoreFromURLInput struct {
	TenantID     uuid.UUID
	BoardID      uuid.UUID
	ArtifactID   uuid.UUID
	ArtifactType storage.ArtifactType
	Variant      string
	// ContentType overrides the response header when set.
	ContentType string
	URL         string
}

// StoreFromURL fully downloads the remote content, validates it, and uploads
// it through Store. The remote URL is never persisted anywhere in the
// resulting reference.
func (m *Manager) StoreFromURL(ctx context.Context, in StoreFromURLInput) (storage.ArtifactRef, error) {
	path, contentType, cleanup, err := m.DownloadToTemp(ctx, in.URL, "")
	if err != nil {
		return storage.ArtifactRef{}, err
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		return storage.ArtifactRef{}, fmt.Errorf("open downloaded content: %w", err)
	}
	defer f.Close()

	if in.ContentType != "" {
		contentType = in.ContentType
	}
	return m.Store(ctx, StoreInput{
		TenantID:     in.TenantID,
		BoardID:      in.BoardID,
		ArtifactID:   in.ArtifactID,
		ArtifactType: in.ArtifactType,
		Variant:      in.Variant,
		ContentType:  contentType,
		Body:         f,
	})
}

// DownloadToTemp fetches a remote resource into a temp file after the SSRF
// check, bounded by the configured max file size. dir may be empty for the
// system temp dir. The caller owns the cleanup func.
func (m *Manager) DownloadToTemp(ctx context.Context, rawURL, dir string) (path, contentType string, cleanup func(), err error) {
	if err := m.validator.ValidateOutboundURL(ctx, rawURL); err != nil {
		return "", "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", nil, storage.NewTransient("remote", "download", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("remote returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", "", nil, storage.NewTransient("remote", "download", "", err)
		}
		return "", "", nil, storage.NewPermanent("remote", "download", "", err)
	}

	f, err := os.CreateTemp(dir, "boardforge-download-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("create temp file: %w", err)
	}
	remove := func() { _ = os.Remove(f.Name()) }

	n, err := io.Copy(f, io.LimitReader(resp.Body, m.maxFileSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		remove()
		return "", "", nil, storage.NewTransient("remote", "download", "", err)
	}
	if verr := m.validator.ValidateSize(n, m.maxFileSize); verr != nil {
		remove()
		return "", "", nil, verr
	}

	contentType = resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = detectContentType(f.Name())
	}
	return f.Name(), contentType, remove, nil
}

// Fetch opens a stored object for reading.
func (m *Manager) Fetch(ctx context.Context, key, providerName string) (io.ReadCloser, error) {
	if err := m.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	provider, ok := m.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q", providerName)
	}
	return provider.Get(ctx, key)
}

// Delete removes a stored object; deleting a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, key, providerName string) error {
	if err := m.validator.ValidateKey(key); err != nil {
		return err
	}
	provider, ok := m.providers[providerName]
	if !ok {
		return fmt.Errorf("unknown storage provider %q", providerName)
	}
	return provider.Delete(ctx, key)
}

// PresignURL returns a time-limited (or static public) URL for a stored
// object.
func (m *Manager) PresignURL(ctx context.Context, key, providerName string, ttl time.Duration) (string, error) {
	if err := m.validator.ValidateKey(key); err != nil {
		return "", err
	}
	provider, ok := m.providers[providerName]
	if !ok {
		return "", fmt.Errorf("unknown storage provider %q", providerName)
	}
	return provider.PresignURL(ctx, key, ttl)
}

// spool buffers the payload into a temp file so size can be validated before
// upload and transient retries can rewind. Reads are bounded at one byte past
// the limit so oversized payloads fail without draining the source.
func (m *Manager) spool(ctx context.Context, r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if r == nil {
		return nil, 0, nil, fmt.Errorf("nil body")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, err
	}
	f, err := os.CreateTemp("", "boardforge-upload-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	n, err := io.Copy(f, io.LimitReader(r, m.maxFileSize+1))
	if err != nil {
		cleanup()
		return nil, 0, nil, storage.NewTransient("spool", "put", "", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return f, n, cleanup, nil
}

func (m *Manager) putWithRetry(ctx context.Context, provider storage.Provider, key string, body io.ReadSeeker, contentType string) error {
	attempt := 0
	op := func() error {
		attempt++
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		_, err := provider.Put(ctx, key, body, contentType)
		if err == nil {
			return nil
		}
		if storage.IsTransient(err) {
			m.log.Warn("transient storage failure, will retry",
				"provider", provider.Name(),
				"key", key,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retry.InitialBackoff
	bo.MaxInterval = m.retry.MaxBackoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(m.retry.MaxAttempts-1)),
		ctx,
	))
	if err != nil {
		m.log.Error("storage upload failed",
			"provider", provider.Name(),
			"key", key,
			"attempts", attempt,
			"error", err,
		)
	}
	return err
}

func detectContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(buf[:n])
}
