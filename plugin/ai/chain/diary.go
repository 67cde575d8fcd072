package chain

import (
	"context"
	"strings"

	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/plugin/ai/tagparse"
)

const diarySystemPrompt = "你是格式严格的助手，必须输出<diary>…</diary>且不可为空。"

// DiaryInput is the context of one diary generation.
type DiaryInput struct {
	// PersonaBlueprint is the visitor's core persona.
	PersonaBlueprint string
	// DiaryHistory holds earlier diaries, one "session N: ..." line each, oldest first. May be empty.
	DiaryHistory string
	// SessionChat is the transcript of the session being closed.
	SessionChat string
}

type DiaryOutput struct {
	Diary    string
	Accepted bool
	Attempts int
}

// GenerateDiary writes the first-person diary of a finished session.
// The returned diary is never empty: without a usable <diary> section the trimmed raw answer is kept.
func (g *Generator) GenerateDiary(ctx context.Context, in DiaryInput) (*DiaryOutput, error) {
	user, err := g.fill(prompt.DiaryGeneration, map[string]string{
		"persona_blueprint": in.PersonaBlueprint,
		"diary_history":     in.DiaryHistory,
		"session_chat":      in.SessionChat,
	})
	if err != nil {
		return nil, err
	}

	result, err := g.run(ctx, "diary", diarySystemPrompt, user, func(text string) bool {
		_, ok := tagparse.ExtractNonEmpty(text, TagDiary)
		return ok
	})
	if err != nil {
		return nil, err
	}

	diary, ok := tagparse.ExtractNonEmpty(result.Value, TagDiary)
	if !ok {
		diary = strings.TrimSpace(result.Value)
	}
	return &DiaryOutput{
		Diary:    diary,
		Accepted: result.Accepted,
		Attempts: result.Attempts,
	}, nil
}
