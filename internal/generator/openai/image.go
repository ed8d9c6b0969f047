package openai

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/boardforge/boardforge-backend/internal/execution"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

// ImageGenerator produces one image per job from a text prompt.
type ImageGenerator struct {
	client *Client
}

func NewImageGenerator(client *Client) *ImageGenerator {
	return &ImageGenerator{client: client}
}

func (g *ImageGenerator) Name() string                       { return "openai-image" }
func (g *ImageGenerator) ArtifactType() storage.ArtifactType { return storage.ArtifactTypeImage }

func (g *ImageGenerator) InputSchema() generator.Schema {
	return generator.Schema{
		Params: []generator.Param{
			{Name: "prompt", Type: "string", Description: "Text prompt for the image", Required: true},
			{Name: "size", Type: "string", Description: "WxH, e.g. 1024x1024", Default: "1024x1024"},
		},
	}
}

func (g *ImageGenerator) EstimateCost(inputs map[string]any) float64 {
	// Flat per-image charge regardless of prompt.
	return 0.04
}

func (g *ImageGenerator) Generate(ec *execution.Context, inputs map[string]any) error {
	prompt, _ := inputs["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return generator.NewError(g.Name(), "validate", fmt.Errorf("prompt required"))
	}
	size, _ := inputs["size"].(string)
	if size == "" {
		size = "1024x1024"
	}
	width, height := parseSize(size)

	ec.PublishProgress(10, "generating", "calling image model")
	if err := ec.Checkpoint(); err != nil {
		return err
	}
	tempURL, err := g.client.GenerateImageURL(ec.Ctx(), prompt, size)
	if err != nil {
		return generator.NewError(g.Name(), "generate", err)
	}

	ec.PublishProgress(70, "storing", "persisting generated image")
	if _, err := ec.StoreImageResult(tempURL, "png", width, height); err != nil {
		return err
	}
	return nil
}

func parseSize(size string) (int, int) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
	return w, h
}
