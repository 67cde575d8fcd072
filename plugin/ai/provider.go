package ai

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("empty chat response")

// credential is one API key with its own client and request budget.
type credential struct {
	label   string
	client  *openai.Client
	limiter *rate.Limiter
}

// Provider is an OpenAI-compatible LLMService that rotates across several API keys.
// A key that fails with an authentication, throttling, timeout, server or network error
// is skipped for the current call; the key that last succeeded is tried first.
type Provider struct {
	config      *LLMConfig
	credentials []*credential

	mu     sync.Mutex
	cursor int
}

// ProviderOption customizes a Provider.
type ProviderOption func(*openai.ClientConfig)

// WithHTTPClient sets the HTTP client used by every credential.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(c *openai.ClientConfig) {
		c.HTTPClient = client
	}
}

// NewLLMService creates the LLMService described by cfg.
func NewLLMService(cfg *LLMConfig, opts ...ProviderOption) (LLMService, error) {
	return NewProvider(cfg, opts...)
}

// NewProvider creates a new rotating provider.
func NewProvider(cfg *LLMConfig, opts ...ProviderOption) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("llm config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid llm config")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	credentials := make([]*credential, 0, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		clientConfig := openai.DefaultConfig(key)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		for _, opt := range opts {
			opt(&clientConfig)
		}
		limit := rate.Inf
		burst := 1
		if cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(cfg.RequestsPerSecond)
			burst = max(1, int(cfg.RequestsPerSecond))
		}
		credentials = append(credentials, &credential{
			label:   maskKey(i, key),
			client:  openai.NewClientWithConfig(clientConfig),
			limiter: rate.NewLimiter(limit, burst),
		})
	}

	return &Provider{
		config:      cfg,
		credentials: credentials,
	}, nil
}

// Chat performs a chat completion, failing over across credentials.
func (p *Provider) Chat(ctx context.Context, messages []Message) (string, error) {
	start := p.current()
	var lastErr error
	for i := range p.credentials {
		idx := (start + i) % len(p.credentials)
		cred := p.credentials[idx]

		if err := cred.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "rate limiter wait")
		}

		content, err := p.complete(ctx, cred, messages)
		if err == nil {
			p.setCurrent(idx)
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRotatable(err) {
			return "", errors.Wrapf(err, "chat completion with %s", cred.label)
		}

		slog.Warn("llm credential failed, rotating",
			"credential", cred.label,
			"status", statusCode(err),
			"error", err)
		lastErr = err
	}
	return "", errors.Wrapf(lastErr, "all %d llm credentials failed", len(p.credentials))
}

func (p *Provider) complete(ctx context.Context, cred *credential, messages []Message) (string, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		llmMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	started := time.Now()
	resp, err := cred.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.config.Model,
		Messages:    llmMessages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	slog.Debug("llm completion",
		"credential", cred.label,
		"model", p.config.Model,
		"duration_ms", time.Since(started).Milliseconds(),
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Provider) setCurrent(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = idx
}

// isRotatable reports whether another credential might succeed where this one failed.
func isRotatable(err error) bool {
	if code := statusCode(err); code != 0 {
		switch {
		case code == http.StatusUnauthorized, code == http.StatusForbidden,
			code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
			return true
		case code >= http.StatusInternalServerError:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// maskKey labels a credential for logs without revealing it.
func maskKey(idx int, key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return fmt.Sprintf("key#%d", idx+1)
	}
	return fmt.Sprintf("key#%d(%s...%s)", idx+1, key[:4], key[len(key)-4:])
}
