// Package llm holds the chat completion clients. Two providers share
// the Completer contract: any OpenAI-compatible endpoint, and Gemini.
// Which one runs is a configuration state, not a code path.
package llm

import (
	"context"
	"fmt"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Completer produces a completion for a prompt. Implementations must
// honor ctx cancellation; callers bound every request with a timeout.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// New selects the completion provider from configuration.
func New(ctx context.Context, cfg config.LLMConfig, logger *logging.Logger, collector metrics.Collector) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, logger, collector)
	case "gemini":
		return NewGemini(ctx, cfg, logger, collector)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
