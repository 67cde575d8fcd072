package tagparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		tag    string
		want   string
		wantOK bool
	}{
		{"simple", "<diary>今天很累</diary>", "diary", "今天很累", true},
		{"trimmed", "前缀\n<diary>\n  内容  \n</diary>\n后缀", "diary", "内容", true},
		{"case insensitive", "<DIARY>x</Diary>", "diary", "x", true},
		{"multiline", "<activity>{\n\"a\": 1\n}</activity>", "activity", "{\n\"a\": 1\n}", true},
		{"first span wins", "<a>one</a><a>two</a>", "a", "one", true},
		{"non greedy", "<a>one</a> middle </a>", "a", "one", true},
		{"empty span", "<diary></diary>", "diary", "", true},
		{"missing close", "<diary>unterminated", "diary", "", false},
		{"missing open", "text</diary>", "diary", "", false},
		{"absent", "no tags here", "diary", "", false},
		{"empty text", "", "diary", "", false},
		{"empty tag", "<>x</>", "", "", false},
		{"other tag", "<scratchpad>x</scratchpad>", "diary", "", false},
		{"tag with regex chars", "<a.b>v</a.b>", "a.b", "v", true},
		{"regex chars not wildcard", "<axb>v</axb>", "a.b", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text, tt.tag)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNonEmpty(t *testing.T) {
	_, ok := ExtractNonEmpty("<diary>  </diary>", "diary")
	assert.False(t, ok)

	got, ok := ExtractNonEmpty("<diary>ok</diary>", "diary")
	assert.True(t, ok)
	assert.Equal(t, "ok", got)
}

func TestExtractAll(t *testing.T) {
	text := `<longterm_memory>
<thisweek_focus>考试焦虑</thisweek_focus>
<discussed_topics>无</discussed_topics>
<milestones></milestones>
</longterm_memory>`
	tags := []string{"thisweek_focus", "discussed_topics", "milestones", "recurring_patterns"}

	got := ExtractAll(text, tags)
	assert.Equal(t, map[string]string{
		"thisweek_focus":   "考试焦虑",
		"discussed_topics": "无",
		"milestones":       "",
	}, got)
	assert.False(t, HasAll(text, tags))
	assert.True(t, HasAll(text, tags[:3]))
}
