package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ai-gateway/cursor-gateway/internal/provider"
)

// Model describes a catalog entry served by /v1/models.
type Model struct {
	ID      string `yaml:"id" json:"id"`
	OwnedBy string `yaml:"owned_by" json:"owned_by"`
	Created int64  `yaml:"created" json:"created"`
}

// DefaultCatalog is served when no models file is configured.
var DefaultCatalog = []Model{
	{ID: "claude-3-5-sonnet-20241022", OwnedBy: "anthropic", Created: 1729555200},
	{ID: "claude-3-opus", OwnedBy: "anthropic", Created: 1709251200},
	{ID: "claude-3.5-haiku", OwnedBy: "anthropic", Created: 1729555200},
	{ID: "gpt-4", OwnedBy: "openai", Created: 1687132800},
	{ID: "gpt-4o", OwnedBy: "openai", Created: 1715558400},
	{ID: "gpt-4o-mini", OwnedBy: "openai", Created: 1721174400},
	{ID: "o1-mini", OwnedBy: "openai", Created: 1726099200},
	{ID: "o1-preview", OwnedBy: "openai", Created: 1726099200},
	{ID: "cursor-small", OwnedBy: "cursor", Created: 1704067200},
	{ID: "gemini-1.5-flash-500k", OwnedBy: "google", Created: 1715644800},
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

// LoadCatalog reads a YAML model list. An empty path yields DefaultCatalog.
func LoadCatalog(path string) ([]Model, error) {
	if path == "" {
		return DefaultCatalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	for i, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("models file: entry %d has no id", i)
		}
	}
	return f.Models, nil
}

// Router maps models to providers.
type Router struct {
	models    []Model
	providers map[string]provider.Provider
	defaultP  provider.Provider
}

func New(models []Model) *Router {
	return &Router{
		models:    models,
		providers: make(map[string]provider.Provider),
	}
}

// Register associates a model with a provider implementation.
func (r *Router) Register(model string, p provider.Provider) {
	r.providers[model] = p
	if r.defaultP == nil {
		r.defaultP = p
	}
}

// ProviderFor returns the provider for a model or the default provider.
// Unknown models go to the default provider; the backend decides whether it
// serves them.
func (r *Router) ProviderFor(model string) provider.Provider {
	if p, ok := r.providers[model]; ok {
		return p
	}
	return r.defaultP
}

func (r *Router) Models() []Model {
	return r.models
}
