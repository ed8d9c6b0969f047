// Package local implements the filesystem storage provider. All paths go
// through afero so tests can run against an in-memory filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

type Provider struct {
	name    string
	fs      afero.Fs
	root    string
	baseURL string
	log     *logger.Logger
}

func New(name string, fs afero.Fs, root, baseURL string, log *logger.Logger) (*Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root = strings.TrimRight(strings.TrimSpace(root), "/")
	if root == "" {
		return nil, fmt.Errorf("local provider %q: root directory required", name)
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local provider %q: create root: %w", name, err)
	}
	return &Provider{
		name:    name,
		fs:      fs,
		root:    root,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		log:     log.With("provider", name),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Put(ctx context.Context, key string, r io.Reader, contentType string) (storage.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	full := path.Join(p.root, key)
	if err := p.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return storage.StoredObject{}, storage.NewPermanent(p.name, "put", key, err)
	}

	// Write to a sibling temp file and rename so readers never observe a
	// partial object.
	tmp := full + ".partial"
	f, err := p.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = p.fs.Remove(tmp)
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	if err := p.fs.Rename(tmp, full); err != nil {
		_ = p.fs.Remove(tmp)
		return storage.StoredObject{}, storage.NewTransient(p.name, "put", key, err)
	}
	p.log.Debug("stored object", "key", key, "bytes", n, "content_type", contentType)
	return storage.StoredObject{Key: key, SizeBytes: n}, nil
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewTransient(p.name, "get", key, err)
	}
	f, err := p.fs.Open(path.Join(p.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NewNotFound(p.name, key)
		}
		return nil, storage.NewTransient(p.name, "get", key, err)
	}
	return f, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.NewTransient(p.name, "delete", key, err)
	}
	err := p.fs.Remove(path.Join(p.root, key))
	if err != nil && !os.IsNotExist(err) {
		return storage.NewTransient(p.name, "delete", key, err)
	}
	return nil
}

// PresignURL returns a static public URL; the local provider has no signing
// and ignores ttl per the optional-capability contract.
func (p *Provider) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if p.baseURL == "" {
		return "", storage.NewPermanent(p.name, "presign", key, fmt.Errorf("no base URL configured"))
	}
	return p.baseURL + "/" + escapeKeyPath(key), nil
}

func escapeKeyPath(key string) string {
	parts := strings.Split(key, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
