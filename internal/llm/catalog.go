package llm

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultContextWindow is assumed for catalog entries that do not set one.
const DefaultContextWindow = 128000

// ModelInfo describes a model the router may use.
type ModelInfo struct {
	// ID is the "provider/model" identifier.
	ID string `yaml:"id"`

	// ContextWindow is the model's context size in tokens.
	ContextWindow int `yaml:"context_window"`

	// MaxOutputTokens caps completion length; zero lets the provider decide.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Description is shown by /model and the CLI.
	Description string `yaml:"description"`
}

// ParseModelID splits "provider/model". The model part may itself contain
// slashes (e.g. "openrouter/meta-llama/llama-3-70b").
func ParseModelID(id string) (provider, model string, ok bool) {
	provider, model, ok = strings.Cut(strings.TrimSpace(id), "/")
	if !ok || provider == "" || model == "" {
		return "", "", false
	}
	return strings.ToLower(provider), model, true
}

// Catalog is the set of models known to the router.
type Catalog struct {
	models map[string]ModelInfo
}

// NewCatalog validates and indexes models. Duplicate or malformed ids are
// rejected.
func NewCatalog(models []ModelInfo) (*Catalog, error) {
	c := &Catalog{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		provider, name, ok := ParseModelID(m.ID)
		if !ok {
			return nil, fmt.Errorf("llm: invalid model id %q: want provider/model", m.ID)
		}
		m.ID = provider + "/" + name
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("llm: duplicate model id %q", m.ID)
		}
		if m.ContextWindow <= 0 {
			m.ContextWindow = DefaultContextWindow
		}
		c.models[m.ID] = m
	}
	return c, nil
}

// Lookup returns the catalog entry for id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	if c == nil {
		return ModelInfo{}, false
	}
	provider, name, ok := ParseModelID(id)
	if !ok {
		return ModelInfo{}, false
	}
	m, ok := c.models[provider+"/"+name]
	return m, ok
}

// Models returns all entries sorted by id.
func (c *Catalog) Models() []ModelInfo {
	if c == nil {
		return nil
	}
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
