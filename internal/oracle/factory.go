package oracle

import (
	"fmt"
	"time"

	"github.com/cexll/fixbot/internal/config"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// FromConfig builds the oracle selected by LLM_PROVIDER.
func FromConfig(cfg config.LLMConfig, timeout time.Duration) (Oracle, error) {
	switch cfg.Provider {
	case "none":
		return Disabled{}, nil
	case "openai":
		return NewLLM(NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model), timeout), nil
	case "anthropic":
		model := cfg.Model
		if model == "" || model == "gpt-4o-mini" {
			model = defaultAnthropicModel
		}
		return NewLLM(NewAnthropic(cfg.APIKey, cfg.BaseURL, model), timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
