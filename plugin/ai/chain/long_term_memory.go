package chain

import (
	"context"
	"strings"

	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/plugin/ai/tagparse"
	"github.com/hrygo/counselsim/store"
)

const longTermMemorySystemPrompt = "你是一个严格遵循输出格式的助手。必须严格输出<scratchpad>与<longterm_memory>两段，且<longterm_memory>内包含<thisweek_focus>、<discussed_topics>、<milestones>、<recurring_patterns>、<core_belief_evolution>五个子标签，任何一个都不能为空；若确实没有内容，请写“无”。禁止输出除这些标签外的多余解释或前后缀。"

// LongTermMemoryInput is the context of one long-term memory update.
type LongTermMemoryInput struct {
	// Current is the serialized snapshot being revised. It may be malformed.
	Current        string
	LatestDiary    string
	LatestActivity string
}

type LongTermMemoryOutput struct {
	Scratchpad string
	// Memory always has five non-blank fields.
	Memory   store.LongTermMemory
	Accepted bool
	Attempts int
}

// UpdateLongTermMemory folds the latest diary and activity into a revised snapshot.
//
// Each field takes the freshly extracted value when non-blank, else the value of the
// current snapshot, else the sentinel.
func (g *Generator) UpdateLongTermMemory(ctx context.Context, in LongTermMemoryInput) (*LongTermMemoryOutput, error) {
	user, err := g.fill(prompt.LongTermMemory, map[string]string{
		"longterm_memory_current": in.Current,
		"latest_diary_entry":      in.LatestDiary,
		"latest_activity_log":     in.LatestActivity,
	})
	if err != nil {
		return nil, err
	}

	result, err := g.run(ctx, "long_term_memory", longTermMemorySystemPrompt, user, validLongTermMemory)
	if err != nil {
		return nil, err
	}

	out := &LongTermMemoryOutput{
		Accepted: result.Accepted,
		Attempts: result.Attempts,
	}
	out.Scratchpad, _ = tagparse.Extract(result.Value, TagScratchpad)
	block, _ := tagparse.Extract(result.Value, TagLongTermMemory)
	out.Memory = MergeLongTermMemory(tagparse.ExtractAll(block, store.LongTermMemoryFields), in.Current)
	return out, nil
}

func validLongTermMemory(text string) bool {
	block, ok := tagparse.ExtractNonEmpty(text, TagLongTermMemory)
	return ok && tagparse.HasAll(block, store.LongTermMemoryFields)
}

// MergeLongTermMemory applies the three-tier field fallback: extracted, previous, sentinel.
// A previous snapshot that does not parse counts as having no values.
func MergeLongTermMemory(extracted map[string]string, previous string) store.LongTermMemory {
	prev, _ := store.ParseLongTermMemory(previous)
	var merged store.LongTermMemory
	for _, key := range store.LongTermMemoryFields {
		if value := strings.TrimSpace(extracted[key]); value != "" {
			merged.SetField(key, value)
			continue
		}
		if value := strings.TrimSpace(prev.Field(key)); value != "" {
			merged.SetField(key, value)
			continue
		}
		merged.SetField(key, store.LongTermMemoryNone)
	}
	return merged
}
