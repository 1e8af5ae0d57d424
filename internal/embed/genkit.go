package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// NewGoogleAI initializes Genkit with the Google AI plugin and wraps the
// named embedding model. The model is frozen for the lifetime of the
// index; switching models requires a full re-index.
//
// Requires GEMINI_API_KEY in the environment. A nil embedder from the
// plugin maps to ErrModelUnavailable so startup can refuse to serve.
func NewGoogleAI(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.ModelID)
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder %q not registered", ErrModelUnavailable, cfg.ModelID)
	}

	return New(embedder, cfg, logger), nil
}
