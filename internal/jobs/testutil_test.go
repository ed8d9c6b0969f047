package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/pkg/dbctx"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/progress"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/local"
	"github.com/boardforge/boardforge-backend/internal/storage/manager"
	"github.com/boardforge/boardforge-backend/internal/storage/router"
	"github.com/boardforge/boardforge-backend/internal/storage/security"
)

var testDBSeq int
var testDBMu sync.Mutex

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBMu.Lock()
	testDBSeq++
	name := fmt.Sprintf("jobs_test_%d", testDBSeq)
	testDBMu.Unlock()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&Generation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testManager(t *testing.T) *manager.Manager {
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
	return m
}

// funcGenerator adapts a closure into a Generator for tests.
type funcGenerator struct {
	name         string
	artifactType storage.ArtifactType
	schema       generator.Schema
	run          func(ec *execution.Context, inputs map[string]any) error
}

func (g *funcGenerator) Name() string                        { return g.name }
func (g *funcGenerator) ArtifactType() storage.ArtifactType  { return g.artifactType }
func (g *funcGenerator) InputSchema() generator.Schema       { return g.schema }
func (g *funcGenerator) EstimateCost(map[string]any) float64 { return 0 }
func (g *funcGenerator) Generate(ec *execution.Context, inputs map[string]any) error {
	if g.run == nil {
		return nil
	}
	return g.run(ec, inputs)
}

func dbctxBackground() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

func seedQueued(t *testing.T, db *gorm.DB, name string) *Generation {
	t.Helper()
	g := &Generation{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		BoardID:       uuid.New(),
		GeneratorName: name,
		ArtifactType:  string(storage.ArtifactTypeImage),
		InputParams:   []byte(`{}`),
		Status:        string(StatusQueued),
		CreatedAt:     time.Now().Add(-time.Minute),
		UpdatedAt:     time.Now().Add(-time.Minute),
	}
	if err := db.Create(g).Error; err != nil {
		t.Fatalf("seed queued: %v", err)
	}
	return g
}

func drainEvents(sub *progress.Subscription, timeout time.Duration) []progress.Event {
	var out []progress.Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}
