// Package generator defines the capability contract for model integrations
// and the registry that holds them.
package generator

import (
	"fmt"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

// Param describes one input parameter of a generator's schema.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Slot describes an artifact input the generator consumes, e.g. a reference
// image for an image-to-image model.
type Slot struct {
	Name         string               `json:"name"`
	ArtifactType storage.ArtifactType `json:"artifact_type"`
	Required     bool                 `json:"required"`
}

// Schema describes the inputs a generator accepts. It is exposed read-only
// to the API layer for form rendering; the core only enforces presence of
// required params and slots.
type Schema struct {
	Params   []Param        `json:"params,omitempty"`
	Slots    []Slot         `json:"slots,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// ValidatePresence checks that every required param and slot appears in the
// inputs. Values are not interpreted beyond presence.
func (s Schema) ValidatePresence(inputs map[string]any) error {
	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		if v, ok := inputs[p.Name]; !ok || v == nil {
			return fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	for _, sl := range s.Slots {
		if !sl.Required {
			continue
		}
		if v, ok := inputs[sl.Name]; !ok || v == nil {
			return fmt.Errorf("missing required artifact slot %q", sl.Name)
		}
	}
	return nil
}

// Manifest is the startup declaration of one generator, served to clients.
type Manifest struct {
	Name         string               `json:"name"`
	ArtifactType storage.ArtifactType `json:"artifact_type"`
	Schema       Schema               `json:"schema"`
}

// Generator is one model integration. Generate pulls inputs and stores
// outputs exclusively through the execution context.
type Generator interface {
	Name() string
	ArtifactType() storage.ArtifactType
	InputSchema() Schema
	EstimateCost(inputs map[string]any) float64
	Generate(ec *execution.Context, inputs map[string]any) error
}

// Error wraps an upstream provider failure raised inside Generate. Always
// job-fatal; a new attempt requires an explicit client retry.
type Error struct {
	Generator string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generator %s: %s: %v", e.Generator, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(generator, op string, err error) *Error {
	return &Error{Generator: generator, Op: op, Err: err}
}
