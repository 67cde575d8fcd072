package ai

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/internal/profile"
	"github.com/hrygo/counselsim/plugin/ai/timeout"
)

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string   // dashscope, openai, deepseek
	Model       string   // qwen-flash
	APIKeys     []string // tried in order, the last working key is preferred
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	// RequestsPerSecond limits each credential. Zero disables limiting.
	RequestsPerSecond float64
	// Timeout bounds one request against one credential.
	Timeout time.Duration
}

// NewLLMConfigFromProfile creates the LLM config from profile.
func NewLLMConfigFromProfile(p *profile.Profile) *LLMConfig {
	return &LLMConfig{
		Provider:          p.AILLMProvider,
		Model:             p.AILLMModel,
		APIKeys:           p.AILLMAPIKeys,
		BaseURL:           p.AILLMBaseURL,
		MaxTokens:         p.AILLMMaxTokens,
		Temperature:       p.AILLMTemperature,
		RequestsPerSecond: p.AILLMRequestsPerSecond,
		Timeout:           timeout.LLMRequestTimeout,
	}
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if len(c.APIKeys) == 0 {
		return errors.New("at least one LLM API key is required")
	}
	switch c.Provider {
	case profile.ProviderDashScope, profile.ProviderOpenAI, profile.ProviderDeepSeek:
	default:
		return errors.New("unsupported LLM provider: " + c.Provider)
	}
	if c.Model == "" {
		return errors.New("LLM model is required")
	}
	return nil
}
