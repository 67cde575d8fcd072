package chain

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/plugin/ai/tagparse"
)

const activitySystemPrompt = "你是格式严格的助手，必须按要求输出<scratchpad>与<activity>，其中<activity>内部包裹的为合法JSON文本。"

// ActivityInput is the context of one activity generation.
type ActivityInput struct {
	CorePersona string
	// LongTermMemory is the serialized snapshot.
	LongTermMemory string
	SessionChat    string
	Assignment     string
}

type ActivityOutput struct {
	Scratchpad string
	// ActivityJSON is the <activity> content. When no attempt was accepted it may be the raw answer.
	ActivityJSON string
	Accepted     bool
	Attempts     int
}

// GenerateActivity describes what the visitor did between two sessions.
func (g *Generator) GenerateActivity(ctx context.Context, in ActivityInput) (*ActivityOutput, error) {
	user, err := g.fill(prompt.ActivityGeneration, map[string]string{
		"core_persona":    in.CorePersona,
		"longterm_memory": in.LongTermMemory,
		"session_chat":    in.SessionChat,
		"assignment":      in.Assignment,
	})
	if err != nil {
		return nil, err
	}

	result, err := g.run(ctx, "activity", activitySystemPrompt, user, validActivity)
	if err != nil {
		return nil, err
	}

	out := &ActivityOutput{
		Accepted: result.Accepted,
		Attempts: result.Attempts,
	}
	out.Scratchpad, _ = tagparse.Extract(result.Value, TagScratchpad)
	if activity, ok := tagparse.ExtractNonEmpty(result.Value, TagActivity); ok {
		out.ActivityJSON = activity
	} else {
		out.ActivityJSON = strings.TrimSpace(result.Value)
	}
	return out, nil
}

func validActivity(text string) bool {
	activity, ok := tagparse.ExtractNonEmpty(text, TagActivity)
	return ok && json.Valid([]byte(activity))
}
