// Package router decides which storage provider handles a given artifact.
package router

import (
	"fmt"

	"github.com/boardforge/boardforge-backend/internal/storage"
)

// Match holds the optional constraints of one routing rule. Nil fields do
// not constrain.
type Match struct {
	ArtifactType *storage.ArtifactType
	MaxSize      *int64
}

// Rule maps a match to a target provider. Rules are evaluated in declaration
// order; the first match wins.
type Rule struct {
	Match    Match
	Provider string
}

// Router is immutable configuration loaded once at startup. SelectProvider
// is deterministic and side-effect free.
type Router struct {
	rules           []Rule
	defaultProvider string
}

// New validates that every rule targets a known provider name and that the
// default exists. known is the set of configured provider names.
func New(rules []Rule, defaultProvider string, known map[string]struct{}) (*Router, error) {
	if defaultProvider == "" {
		return nil, fmt.Errorf("default provider required")
	}
	if _, ok := known[defaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not a configured provider", defaultProvider)
	}
	for i, r := range rules {
		if r.Provider == "" {
			return nil, fmt.Errorf("routing rule %d: provider required", i)
		}
		if _, ok := known[r.Provider]; !ok {
			return nil, fmt.Errorf("routing rule %d references undefined provider %q", i, r.Provider)
		}
		if r.Match.ArtifactType != nil && !r.Match.ArtifactType.Valid() {
			return nil, fmt.Errorf("routing rule %d: unknown artifact type %q", i, *r.Match.ArtifactType)
		}
		if r.Match.MaxSize != nil && *r.Match.MaxSize <= 0 {
			return nil, fmt.Errorf("routing rule %d: max_size must be positive", i)
		}
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return &Router{rules: out, defaultProvider: defaultProvider}, nil
}

// SelectProvider returns the first matching rule's provider, or the default
// when no rule matches.
func (r *Router) SelectProvider(artifactType storage.ArtifactType, sizeBytes int64) string {
	for _, rule := range r.rules {
		if rule.Match.ArtifactType != nil && *rule.Match.ArtifactType != artifactType {
			continue
		}
		if rule.Match.MaxSize != nil && sizeBytes > *rule.Match.MaxSize {
			continue
		}
		return rule.Provider
	}
	return r.defaultProvider
}

func (r *Router) DefaultProvider() string { return r.defaultProvider }
