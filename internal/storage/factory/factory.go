// Package factory assembles the storage subsystem from configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/boardforge/boardforge-backend/internal/config"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
	"github.com/boardforge/boardforge-backend/internal/storage/gcs"
	"github.com/boardforge/boardforge-backend/internal/storage/local"
	"github.com/boardforge/boardforge-backend/internal/storage/manager"
	"github.com/boardforge/boardforge-backend/internal/storage/router"
	"github.com/boardforge/boardforge-backend/internal/storage/s3"
	"github.com/boardforge/boardforge-backend/internal/storage/security"
	"github.com/boardforge/boardforge-backend/internal/storage/supabase"
)

// BuildProviders constructs one provider per configured entry. Unknown types
// are rejected here so startup fails before any job runs.
func BuildProviders(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (map[string]storage.Provider, error) {
	providers := make(map[string]storage.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := buildProvider(ctx, name, pc, log)
		if err != nil {
			return nil, err
		}
		providers[name] = p
	}
	return providers, nil
}

func buildProvider(ctx context.Context, name string, pc config.ProviderConfig, log *logger.Logger) (storage.Provider, error) {
	switch pc.Type {
	case config.ProviderTypeLocal:
		return local.New(name, afero.NewOsFs(), pc.Root, pc.BaseURL, log)
	case config.ProviderTypeS3:
		return s3.New(ctx, name, s3.Config{
			Bucket:         pc.Bucket,
			Region:         pc.Region,
			Endpoint:       pc.Endpoint,
			AccessKey:      pc.AccessKey,
			SecretKey:      pc.SecretKey,
			ForcePathStyle: pc.ForcePathStyle,
		}, log)
	case config.ProviderTypeGCS:
		return gcs.New(ctx, name, gcs.Config{
			Bucket:       pc.Bucket,
			EmulatorHost: pc.EmulatorHost,
		}, log)
	case config.ProviderTypeSupabase:
		return supabase.New(name, supabase.Config{
			URL:            pc.URL,
			ServiceRoleKey: pc.ServiceRoleKey,
			Bucket:         pc.Bucket,
			PublicBucket:   pc.PublicBucket,
		}, log)
	default:
		return nil, fmt.Errorf("storage provider %q: unknown type %q", name, pc.Type)
	}
}

// BuildRouter converts routing config into a validated router over the given
// provider set.
func BuildRouter(cfg config.StorageConfig, providers map[string]storage.Provider) (*router.Router, error) {
	known := make(map[string]struct{}, len(providers))
	for name := range providers {
		known[name] = struct{}{}
	}
	rules := make([]router.Rule, 0, len(cfg.Routing.Rules))
	for _, rc := range cfg.Routing.Rules {
		rule := router.Rule{Provider: rc.Provider}
		if rc.Match.ArtifactType != nil {
			at := storage.ArtifactType(*rc.Match.ArtifactType)
			rule.Match.ArtifactType = &at
		}
		if rc.Match.MaxSize != nil {
			size := *rc.Match.MaxSize
			rule.Match.MaxSize = &size
		}
		rules = append(rules, rule)
	}
	return router.New(rules, cfg.DefaultProvider, known)
}

// BuildManager ties providers, routing, and validation into the façade the
// rest of the system calls.
func BuildManager(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*manager.Manager, error) {
	providers, err := BuildProviders(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt, err := BuildRouter(cfg, providers)
	if err != nil {
		return nil, err
	}
	return manager.New(log, security.NewValidator(), rt, providers, manager.Options{
		MaxFileSize:         cfg.MaxFileSize,
		AllowedContentTypes: cfg.AllowedContentTypes,
		Retry: manager.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Std(),
			MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		},
	})
}
