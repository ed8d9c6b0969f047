package generator

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/boardforge/boardforge-backend/internal/pkg/errors"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

// Registry holds the available generators keyed by name. Registration
// happens once at process start; lookups are concurrent and lock-cheap.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

func (r *Registry) Register(g Generator) error {
	if g == nil {
		return fmt.Errorf("nil generator")
	}
	name := g.Name()
	if name == "" {
		return fmt.Errorf("generator Name() is empty")
	}
	if !g.ArtifactType().Valid() {
		return fmt.Errorf("generator %s: invalid artifact type %q", name, g.ArtifactType())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.generators[name]; exists {
		return fmt.Errorf("generator already registered for name=%s: %w", name, apperrors.ErrAlreadyExists)
	}
	r.generators[name] = g
	return nil
}

func (r *Registry) Get(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("generator %q: %w", name, apperrors.ErrNotFound)
	}
	return g, nil
}

// List returns manifests sorted by name, optionally filtered by artifact
// type.
func (r *Registry) List(artifactType *storage.ArtifactType) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.generators))
	for _, g := range r.generators {
		if artifactType != nil && g.ArtifactType() != *artifactType {
			continue
		}
		out = append(out, Manifest{
			Name:         g.Name(),
			ArtifactType: g.ArtifactType(),
			Schema:       g.InputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
