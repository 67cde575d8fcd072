// Package chain runs the three generation chains of the session pipeline:
// diary, between-sessions activity and long-term memory.
//
// Each chain fills a prompt template, calls the model through retry.Do and
// validates the tagged sections of the answer. Malformed answers never fail a
// chain; only a model that never produced any text does.
package chain

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/plugin/ai"
	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/plugin/ai/retry"
)

// Tag names emitted by the templates.
const (
	TagDiary          = "diary"
	TagActivity       = "activity"
	TagScratchpad     = "scratchpad"
	TagLongTermMemory = "longterm_memory"
)

// Generator runs the chains against one LLM service.
type Generator struct {
	llm     ai.LLMService
	prompts *prompt.Loader
	retry   []retry.Option
}

// NewGenerator creates a Generator. opts tune the retry executor shared by all chains.
func NewGenerator(llm ai.LLMService, prompts *prompt.Loader, opts ...retry.Option) *Generator {
	return &Generator{
		llm:     llm,
		prompts: prompts,
		retry:   opts,
	}
}

// complete sends one templated request. A blank answer counts as a failed attempt.
func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	text, err := ai.Complete(ctx, g.llm, system, user)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ai.ErrEmptyResponse
	}
	return text, nil
}

func (g *Generator) run(ctx context.Context, name string, system, user string, accept func(string) bool) (retry.Result[string], error) {
	opts := append([]retry.Option{retry.WithName(name)}, g.retry...)
	result, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return g.complete(ctx, system, user)
	}, accept, opts...)
	if err != nil {
		return result, errors.Wrapf(err, "%s chain produced no output after %d attempts", name, result.Attempts)
	}
	return result, nil
}

func (g *Generator) fill(name prompt.Name, values map[string]string) (string, error) {
	tpl, err := g.prompts.Load(name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load %s template", name)
	}
	return prompt.Fill(tpl, values), nil
}
