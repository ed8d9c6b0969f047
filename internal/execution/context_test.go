package execution

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/local"
	"github.com/boardforge/boardforge-backend/internal/storage/manager"
	"github.com/boardforge/boardforge-backend/internal/storage/router"
	"github.com/boardforge/boardforge-backend/internal/storage/security"
)

type fakeSink struct {
	mu            sync.Mutex
	artifacts     []storage.ArtifactRef
	externalJobID string
	progress      []int
	phases        []string
	cancelled     bool
}

func (s *fakeSink) AppendArtifact(ctx context.Context, ref storage.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, ref)
	return nil
}

func (s *fakeSink) SetExternalJobID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalJobID = id
	return nil
}

func (s *fakeSink) PublishProgress(pct int, phase, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, pct)
	s.phases = append(s.phases, phase)
}

func (s *fakeSink) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func newTestContext(t *testing.T, sink *fakeSink) *Context {
	t.Helper()
	log := logger.Nop()
	p, err := local.New("local", afero.NewMemMapFs(), "/data", "http://localhost/files", log)
	if err != nil {
		t.Fatalf("local provider: %v", err)
	}
	rt, err := router.New(nil, "local", map[string]struct{}{"local": {}})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	// httptest servers bind loopback, which the default validator blocks.
	m, err := manager.New(log, security.NewValidatorAllowingHosts("127.0.0.1"), rt, map[string]storage.Provider{"local": p}, manager.Options{MaxFileSize: 1 << 20})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return NewContext(context.Background(), log, m, sink, uuid.New(), uuid.New(), uuid.New())
}

func TestResolveArtifactLocalPathPassesThrough(t *testing.T) {
	ec := newTestContext(t, &fakeSink{})
	defer ec.Close()

	got, err := ec.ResolveArtifact("/tmp/input.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/tmp/input.png" {
		t.Fatalf("local path must pass through unchanged, got %q", got)
	}
}

func TestResolveArtifactDownloadsRemoteAndCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "input-bytes")
	}))
	defer srv.Close()

	ec := newTestContext(t, &fakeSink{})
	path, err := ec.ResolveArtifact(srv.URL + "/in.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "input-bytes" {
		t.Fatalf("content: %q", data)
	}

	ec.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("downloaded file must be removed on close, stat err: %v", err)
	}
}

func TestResolveArtifactBlocksMetadataEndpoint(t *testing.T) {
	ec := newTestContext(t, &fakeSink{})
	defer ec.Close()

	_, err := ec.ResolveArtifact("http://169.254.169.254/latest/meta-data")
	var se *security.SecurityError
	if !errors.As(err, &se) || se.Code != security.CodeSSRFBlocked {
		t.Fatalf("expected SSRF block, got %v", err)
	}
}

func TestStoreImageResultRecordsArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "generated-png")
	}))
	defer srv.Close()

	sink := &fakeSink{}
	ec := newTestContext(t, sink)
	defer ec.Close()

	ref, err := ec.StoreImageResult(srv.URL+"/out.png", "png", 1024, 768)
	if err != nil {
		t.Fatalf("store image: %v", err)
	}
	if ref.ArtifactType != storage.ArtifactTypeImage {
		t.Fatalf("artifact type: %s", ref.ArtifactType)
	}
	if strings.Contains(ref.StorageKey, srv.URL) {
		t.Fatalf("key embeds temp URL: %q", ref.StorageKey)
	}
	if len(sink.artifacts) != 1 || sink.artifacts[0].StorageKey != ref.StorageKey {
		t.Fatalf("sink not notified: %+v", sink.artifacts)
	}

	arts := ec.Artifacts()
	if len(arts) != 1 || arts[0].Width != 1024 || arts[0].Height != 768 || arts[0].Format != "png" {
		t.Fatalf("recorded artifact meta: %+v", arts)
	}
}

func TestStoreTextContentInline(t *testing.T) {
	sink := &fakeSink{}
	ec := newTestContext(t, sink)
	defer ec.Close()

	ref, err := ec.StoreTextContent("once upon a board", "")
	if err != nil {
		t.Fatalf("store text: %v", err)
	}
	if ref.ContentType != "text/plain" {
		t.Fatalf("content type default: %q", ref.ContentType)
	}
	if len(sink.artifacts) != 1 {
		t.Fatalf("sink artifacts: %d", len(sink.artifacts))
	}
}

func TestCancellationStopsStores(t *testing.T) {
	sink := &fakeSink{cancelled: true}
	ec := newTestContext(t, sink)
	defer ec.Close()

	if err := ec.Checkpoint(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := ec.StoreImageResult("http://example.com/x.png", "png", 1, 1); !errors.Is(err, ErrCancelled) {
		t.Fatalf("store after cancel: %v", err)
	}
	if _, err := ec.ResolveArtifact("http://example.com/x.png"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("resolve after cancel: %v", err)
	}
}

func TestContextCancelAlsoStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ec := newTestContext(t, &fakeSink{})
	ec.ctx = ctx
	defer ec.Close()

	if err := ec.Checkpoint(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("checkpoint: %v", err)
	}
}

func TestPublishProgressClampsAndForwards(t *testing.T) {
	sink := &fakeSink{}
	ec := newTestContext(t, sink)
	defer ec.Close()

	ec.PublishProgress(-10, "start", "")
	ec.PublishProgress(50, "render", "halfway")
	ec.PublishProgress(150, "finish", "")

	want := []int{0, 50, 100}
	if len(sink.progress) != len(want) {
		t.Fatalf("progress count: %d", len(sink.progress))
	}
	for i, p := range want {
		if sink.progress[i] != p {
			t.Fatalf("progress %d: got %d want %d", i, sink.progress[i], p)
		}
	}
}

func TestSetExternalJobID(t *testing.T) {
	sink := &fakeSink{}
	ec := newTestContext(t, sink)
	defer ec.Close()

	if err := ec.SetExternalJobID("prov-123"); err != nil {
		t.Fatalf("set external id: %v", err)
	}
	if sink.externalJobID != "prov-123" {
		t.Fatalf("external id: %q", sink.externalJobID)
	}
}
