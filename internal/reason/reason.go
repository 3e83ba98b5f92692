package reason

import (
	"context"
	"encoding/json"
)

// Client is the external reasoning/embedding service. Its structured output is
// trusted for shape but never for identifier safety; identifier-like fields
// must pass through the plan validator before reaching SQL.
type Client interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
	CompleteText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}
