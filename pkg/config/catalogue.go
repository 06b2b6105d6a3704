package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Model is one entry of the exposed model list.
type Model struct {
	ModelID   string `yaml:"model_id" json:"model_id"`
	ModelName string `yaml:"model_name" json:"model_name"`
	Provider  string `yaml:"provider" json:"-"`
	// MaxTokens is the provider-clamped output ceiling applied when the
	// request does not set its own.
	MaxTokens int64 `yaml:"max_tokens" json:"-"`
}

// Catalogue is the static models file: the model list plus MCP servers every
// user gets without registering them.
type Catalogue struct {
	Models        []Model             `yaml:"models"`
	SharedServers []models.ServerSpec `yaml:"shared_servers"`
}

// defaultCatalogue serves deployments without a models file.
var defaultCatalogue = Catalogue{
	Models: []Model{
		{ModelID: "claude-sonnet-4-5", ModelName: "Claude Sonnet 4.5", Provider: ProviderAnthropic, MaxTokens: 8192},
		{ModelID: "claude-haiku-4-5", ModelName: "Claude Haiku 4.5", Provider: ProviderAnthropic, MaxTokens: 8192},
		{ModelID: "gpt-4o", ModelName: "GPT-4o", Provider: ProviderOpenAI, MaxTokens: 16384},
	},
}

// LoadCatalogue parses the models file; an empty path returns the built-in
// catalogue.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		cat := defaultCatalogue
		return &cat, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading models file: %w", err)
	}
	var cat Catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parsing models file: %w", err)
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("models file %s declares no models", path)
	}
	for i, m := range cat.Models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("models[%d]: model_id is required", i)
		}
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI:
		default:
			return nil, fmt.Errorf("models[%d]: unknown provider %q", i, m.Provider)
		}
	}
	return &cat, nil
}

// Lookup finds a model by id.
func (c *Catalogue) Lookup(modelID string) (Model, bool) {
	for _, m := range c.Models {
		if m.ModelID == modelID {
			return m, true
		}
	}
	return Model{}, false
}
