// Package catalog resolves model identifiers and aliases to model metadata.
package catalog

import (
	"fmt"
	"strings"
)

// defaultTokenLimit is assumed for models absent from the table.
const defaultTokenLimit = 4096

// ModelInfo describes one upstream model.
type ModelInfo struct {
	ID                string
	TokenLimit        int
	SupportsStreaming bool
	Enabled           bool
}

// ErrModelUnavailable wraps rejections for unknown or disabled models.
type ErrModelUnavailable struct {
	ModelID string
	Reason  string
}

func (e *ErrModelUnavailable) Error() string {
	return fmt.Sprintf("model %q unavailable: %s", e.ModelID, e.Reason)
}

// Catalog is an ordered model table. Order matters for substring matches:
// earlier entries win.
type Catalog struct {
	models []ModelInfo
}

// Default returns a catalog seeded with the commonly routed model families.
func Default() *Catalog {
	return New([]ModelInfo{
		{ID: "anthropic/claude-opus-4", TokenLimit: 200000, SupportsStreaming: true, Enabled: true},
		{ID: "anthropic/claude-sonnet-4", TokenLimit: 200000, SupportsStreaming: true, Enabled: true},
		{ID: "anthropic/claude-3.5-haiku", TokenLimit: 200000, SupportsStreaming: true, Enabled: true},
		{ID: "openai/gpt-4o", TokenLimit: 128000, SupportsStreaming: true, Enabled: true},
		{ID: "openai/gpt-4o-mini", TokenLimit: 128000, SupportsStreaming: true, Enabled: true},
		{ID: "openai/gpt-4", TokenLimit: 8192, SupportsStreaming: true, Enabled: true},
		{ID: "openai/gpt-3.5-turbo", TokenLimit: 4096, SupportsStreaming: true, Enabled: true},
		{ID: "mistralai/mistral-nemo", TokenLimit: 128000, SupportsStreaming: true, Enabled: true},
		{ID: "meta-llama/llama-3.1-8b-instruct", TokenLimit: 131072, SupportsStreaming: true, Enabled: true},
	})
}

// New creates a catalog from an explicit model table.
func New(models []ModelInfo) *Catalog {
	return &Catalog{models: models}
}

// Resolve maps a model id or alias to its catalog entry. Exact match first,
// then substring match in table order. Unknown or disabled models return
// ErrModelUnavailable; this rejection happens before any upstream call.
func (c *Catalog) Resolve(idOrAlias string) (ModelInfo, error) {
	if idOrAlias == "" {
		return ModelInfo{}, &ErrModelUnavailable{ModelID: idOrAlias, Reason: "empty model id"}
	}

	for _, m := range c.models {
		if m.ID == idOrAlias {
			return checkEnabled(m)
		}
	}
	for _, m := range c.models {
		if strings.Contains(m.ID, idOrAlias) {
			return checkEnabled(m)
		}
	}
	return ModelInfo{}, &ErrModelUnavailable{ModelID: idOrAlias, Reason: "not in catalog"}
}

// TokenLimit returns the context window for a model id. Exact match first,
// then substring match; unknown models fall back to 4096.
func (c *Catalog) TokenLimit(modelID string) int {
	for _, m := range c.models {
		if m.ID == modelID {
			return m.TokenLimit
		}
	}
	for _, m := range c.models {
		if strings.Contains(m.ID, modelID) || strings.Contains(modelID, m.ID) {
			return m.TokenLimit
		}
	}
	return defaultTokenLimit
}

// List returns the catalog entries in table order.
func (c *Catalog) List() []ModelInfo {
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

func checkEnabled(m ModelInfo) (ModelInfo, error) {
	if !m.Enabled {
		return ModelInfo{}, &ErrModelUnavailable{ModelID: m.ID, Reason: "disabled"}
	}
	return m, nil
}
