package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// Config configures one provider entry.
type Config struct {
	// Type selects the adapter: anthropic, openai, google or bedrock.
	// Defaults to the entry name.
	Type string `yaml:"type"`

	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// Bedrock only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// New builds the adapter for one configured provider. name becomes the
// provider prefix in model ids, so an OpenAI-compatible endpoint can be
// registered as "openrouter" or "ollama".
func New(ctx context.Context, name string, cfg Config) (llm.Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if kind == "" {
		kind = name
	}
	switch kind {
	case "anthropic":
		return NewAnthropicProvider(name, cfg)
	case "openai", "openrouter", "ollama":
		return NewOpenAIProvider(name, cfg)
	case "google", "gemini":
		return NewGoogleProvider(ctx, name, cfg)
	case "bedrock":
		return NewBedrockProvider(ctx, name, cfg)
	default:
		return nil, fmt.Errorf("providers: unknown provider type %q for %q", kind, name)
	}
}

// NewAll builds every configured provider.
func NewAll(ctx context.Context, configs map[string]Config) ([]llm.Provider, error) {
	out := make([]llm.Provider, 0, len(configs))
	for name, cfg := range configs {
		p, err := New(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
