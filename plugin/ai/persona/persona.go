// Package persona assembles the visitor persona prompt from its three sources.
package persona

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/store"
)

const (
	headerIntro      = "你正扮演一个正在接受CBT咨询的AI访客，你和人类咨询师的对话即将/已经进行了好几周，以下是你的完整人格设定："
	headerCore       = "--- 以下是你的核心人设，这是你人格的基石，不会改变 ---"
	headerPrinciple  = "--- 以下是你的互动原则，这是你和人类咨询师对话的规则，不会改变 ---"
	headerMemory     = "--- 以下是你的长期记忆，这是你和人类咨询师对话的记忆，会随着对话的进行而改变 ---"
	closingGuideline = "请按照上述要求，以自然的方式回应人类咨询师，保持渐进式暴露与阻抗动力学的一致性。"
)

// DefaultKey is used when a template has neither a key nor a name.
const DefaultKey = "1"

// Compose joins the core persona, the interaction principle and the serialized
// long-term memory under fixed headers, always in that order.
func Compose(corePersona, interactionPrinciple, longTermMemory string) string {
	return strings.Join([]string{
		headerIntro,
		headerCore,
		corePersona,
		headerPrinciple,
		interactionPrinciple,
		headerMemory,
		longTermMemory,
		closingGuideline,
	}, "\n")
}

// Persona is the full persona of one visitor instance at one point in time.
type Persona struct {
	CorePersona    string
	ChatPrinciple  string
	LongTermMemory store.LongTermMemory
}

// SystemPrompt returns the composed persona block.
func (p *Persona) SystemPrompt() string {
	return Compose(p.CorePersona, p.ChatPrinciple, p.LongTermMemory.String())
}

// Builder resolves persona text for visitor templates.
type Builder struct {
	loader *prompt.Loader
}

func NewBuilder(loader *prompt.Loader) *Builder {
	return &Builder{loader: loader}
}

// Key returns the persona file key of a template: its key, else its name, else DefaultKey.
func Key(template *store.VisitorTemplate) string {
	if template == nil {
		return DefaultKey
	}
	if key := strings.TrimSpace(template.TemplateKey); key != "" {
		return key
	}
	if name := strings.TrimSpace(template.Name); name != "" {
		return name
	}
	return DefaultKey
}

// Build assembles the persona. Text stored on the template wins over prompt files.
func (b *Builder) Build(template *store.VisitorTemplate, ltm store.LongTermMemory) (*Persona, error) {
	core := ""
	principle := ""
	if template != nil {
		core = strings.TrimSpace(template.CorePersona)
		principle = strings.TrimSpace(template.ChatPrinciple)
	}

	if core == "" {
		text, err := b.loader.CorePersona(Key(template))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load core persona %q", Key(template))
		}
		core = strings.TrimSpace(text)
	}
	if principle == "" {
		text, err := b.loader.Load(prompt.ChatPrinciple)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load chat principle")
		}
		principle = strings.TrimSpace(text)
	}

	return &Persona{
		CorePersona:    core,
		ChatPrinciple:  principle,
		LongTermMemory: ltm,
	}, nil
}
