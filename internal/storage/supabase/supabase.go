// Package supabase implements the Supabase-compatible storage provider on
// top of the community storage client.
package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	storagego "github.com/supabase-community/storage-go"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type Config struct {
	// URL is the project base URL, without the /storage/v1 suffix.
	URL            string
	ServiceRoleKey string
	Bucket         string
	// PublicBucket switches PresignURL to the static public object URL.
	PublicBucket bool
}

type Provider struct {
	name    string
	client  *storagego.Client
	bucket  string
	baseURL string
	public  bool
	log     *logger.Logger
}

func New(name string, cfg Config, log *logger.Logger) (*Provider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("supabase provider %q: url required", name)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("supabase provider %q: bucket required", name)
	}
	client := storagego.NewClient(baseURL+"/storage/v1", cfg.ServiceRoleKey, nil)
	return &Provider{
		name:    name,
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		public:  cfg.PublicBucket,
		log:     log.With("provider", name),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Put(ctx context.Context, key string, r io.Reader, contentType string) (storage.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	// The storage client consumes a reader but retries inside the manager
	// need the byte count anyway, so buffer through a counter.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	upsert := true
	opts := storagego.FileOptions{Upsert: &upsert}
	if contentType != "" {
		ct := contentType
		opts.ContentType = &ct
	}
	if _, err := p.client.UploadFile(p.bucket, key, &buf, opts); err != nil {
		return storage.StoredObject{}, p.wrap("put", key, err)
	}
	return storage.StoredObject{Key: key, SizeBytes: n}, nil
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewTransient(p.name, "get", key, err)
	}
	data, err := p.client.DownloadFile(p.bucket, key)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NewNotFound(p.name, key)
		}
		return nil, p.wrap("get", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.NewTransient(p.name, "delete", key, err)
	}
	if _, err := p.client.RemoveFile(p.bucket, []string{key}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return p.wrap("delete", key, err)
	}
	return nil
}

func (p *Provider) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if p.public {
		return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", p.baseURL, p.bucket, key), nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	signed, err := p.client.CreateSignedUrl(p.bucket, key, int(ttl.Seconds()))
	if err != nil {
		return "", p.wrap("presign", key, err)
	}
	return signed.SignedURL, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

// wrap classifies storage API failures by status text; the community client
// flattens responses into opaque errors, so anything that does not look like
// a client fault is treated as retryable.
func (p *Provider) wrap(op, key string, err error) *storage.Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "400"), strings.Contains(msg, "403"),
		strings.Contains(msg, "invalid"), strings.Contains(msg, "bucket"):
		return storage.NewPermanent(p.name, op, key, err)
	}
	return storage.NewTransient(p.name, op, key, err)
}
