package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gradepilot/gradepilot/config"
	openai_provider "github.com/gradepilot/gradepilot/provider/openai"
)

// Provider is the interface all LLM implementations must satisfy.
// Complete sends a system/user prompt pair and returns the raw text completion.
// This is the only network-bound dependency of the agent core.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewProvider creates the planning LLM client from configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	name := cfg.Routing.Planning
	if name == "" {
		name = "openai"
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not configured", name)
	}

	switch pc.Type {
	case "", "openai":
		if pc.APIKey == "" {
			return nil, errors.New("openai api_key not set")
		}
		model := pc.Model
		if model == "" {
			model = "gpt-4o"
		}
		timeout := pc.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		return openai_provider.NewClient(pc.APIKey, pc.BaseURL, model, pc.Temperature, pc.MaxTokens, timeout), nil
	case "anthropic":
		return nil, errors.New("anthropic client not implemented yet")
	case "gemini":
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
	}
}
