package openai

import (
	"fmt"
	"strings"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

// TextGenerator produces a text artifact from a prompt. The provider returns
// content inline, so the result is stored directly rather than via a
// temporary URL.
type TextGenerator struct {
	client *Client
}

func NewTextGenerator(client *Client) *TextGenerator {
	return &TextGenerator{client: client}
}

func (g *TextGenerator) Name() string                       { return "openai-text" }
func (g *TextGenerator) ArtifactType() storage.ArtifactType { return storage.ArtifactTypeText }

func (g *TextGenerator) InputSchema() generator.Schema {
	return generator.Schema{
		Params: []generator.Param{
			{Name: "prompt", Type: "string", Description: "Instruction for the text model", Required: true},
			{Name: "system", Type: "string", Description: "Optional system instruction"},
		},
	}
}

func (g *TextGenerator) EstimateCost(inputs map[string]any) float64 {
	prompt, _ := inputs["prompt"].(string)
	// Rough token-proportional estimate.
	return 0.001 * float64(1+len(prompt)/400)
}

func (g *TextGenerator) Generate(ec *execution.Context, inputs map[string]any) error {
	prompt, _ := inputs["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return generator.NewError(g.Name(), "validate", fmt.Errorf("prompt required"))
	}
	system, _ := inputs["system"].(string)

	ec.PublishProgress(10, "generating", "calling text model")
	if err := ec.Checkpoint(); err != nil {
		return err
	}
	text, err := g.client.GenerateText(ec.Ctx(), system, prompt)
	if err != nil {
		return generator.NewError(g.Name(), "generate", err)
	}

	ec.PublishProgress(80, "storing", "persisting generated text")
	if _, err := ec.StoreTextContent(text, "text/plain"); err != nil {
		return err
	}
	return nil
}
