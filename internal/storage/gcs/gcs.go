// Package gcs implements the GCS-compatible storage provider.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type Config struct {
	Bucket string
	// EmulatorHost points the client at fake-gcs-server style endpoints.
	EmulatorHost string
	// SignerEmail + PrivateKey enable V4 signed URLs. Without them
	// PresignURL falls back to the public object URL.
	SignerEmail string
	PrivateKey  []byte
}

type Provider struct {
	name   string
	client *gstorage.Client
	cfg    Config
	log    *logger.Logger
}

func New(ctx context.Context, name string, cfg Config, log *logger.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("gcs provider %q: bucket required", name)
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(strings.TrimRight(host, "/")+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	} else {
		opts = append(opts, option.WithScopes(gstorage.ScopeReadWrite))
	}
	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs provider %q: create client: %w", name, err)
	}
	return &Provider{
		name:   name,
		client: client,
		cfg:    cfg,
		log:    log.With("provider", name),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Put(ctx context.Context, key string, r io.Reader, contentType string) (storage.StoredObject, error) {
	w := p.client.Bucket(p.cfg.Bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return storage.StoredObject{}, p.wrap("put", key, err)
	}
	if err := w.Close(); err != nil {
		return storage.StoredObject{}, p.wrap("put", key, err)
	}
	return storage.StoredObject{Key: key, SizeBytes: n}, nil
}

// readCloserWithCancel ties a reader's lifetime to its context cancel so the
// context stays alive until the caller closes the stream.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := p.client.Bucket(p.cfg.Bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return nil, storage.NewNotFound(p.name, key)
		}
		return nil, p.wrap("get", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := p.client.Bucket(p.cfg.Bucket).Object(key).Delete(ctx2)
	if err != nil && !errors.Is(err, gstorage.ErrObjectNotExist) {
		return p.wrap("delete", key, err)
	}
	return nil
}

func (p *Provider) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if p.cfg.SignerEmail != "" && len(p.cfg.PrivateKey) > 0 {
		u, err := p.client.Bucket(p.cfg.Bucket).SignedURL(key, &gstorage.SignedURLOptions{
			Scheme:         gstorage.SigningSchemeV4,
			Method:         "GET",
			GoogleAccessID: p.cfg.SignerEmail,
			PrivateKey:     p.cfg.PrivateKey,
			Expires:        time.Now().Add(ttl),
		})
		if err != nil {
			return "", p.wrap("presign", key, err)
		}
		return u, nil
	}
	if host := strings.TrimSpace(p.cfg.EmulatorHost); host != "" {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
			strings.TrimRight(host, "/"),
			url.PathEscape(p.cfg.Bucket),
			url.PathEscape(key),
		), nil
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", p.cfg.Bucket, key), nil
}

// wrap classifies GCS failures for the manager's retry policy: 5xx and 429
// are worth retrying, other API errors are not.
func (p *Provider) wrap(op, key string, err error) *storage.Error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return storage.NewTransient(p.name, op, key, err)
		}
		return storage.NewPermanent(p.name, op, key, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransient(p.name, op, key, err)
	}
	// Bare network errors surface untyped; treat them as retryable.
	return storage.NewTransient(p.name, op, key, err)
}
