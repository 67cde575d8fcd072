package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/store"
)

func TestCompose(t *testing.T) {
	got := Compose("CORE", "PRINCIPLE", "LTM")
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, headerIntro, lines[0])
	assert.Equal(t, headerCore, lines[1])
	assert.Equal(t, "CORE", lines[2])
	assert.Equal(t, headerPrinciple, lines[3])
	assert.Equal(t, "PRINCIPLE", lines[4])
	assert.Equal(t, headerMemory, lines[5])
	assert.Equal(t, "LTM", lines[6])
	assert.Equal(t, closingGuideline, lines[7])

	assert.Equal(t, got, Compose("CORE", "PRINCIPLE", "LTM"), "deterministic")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "3", Key(&store.VisitorTemplate{TemplateKey: " 3 ", Name: "小林"}))
	assert.Equal(t, "小林", Key(&store.VisitorTemplate{Name: "小林"}))
	assert.Equal(t, DefaultKey, Key(&store.VisitorTemplate{}))
	assert.Equal(t, DefaultKey, Key(nil))
}

func TestBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "core_persona"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core_persona", "2.txt"), []byte(" file persona \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat_principle.txt"), []byte("file principle"), 0o644))
	builder := NewBuilder(prompt.NewLoader(dir))
	ltm := store.NewLongTermMemory()

	t.Run("from files", func(t *testing.T) {
		p, err := builder.Build(&store.VisitorTemplate{TemplateKey: "2"}, ltm)
		require.NoError(t, err)
		assert.Equal(t, "file persona", p.CorePersona)
		assert.Equal(t, "file principle", p.ChatPrinciple)
		assert.Contains(t, p.SystemPrompt(), `"thisweek_focus":"无"`)
	})

	t.Run("template text wins", func(t *testing.T) {
		p, err := builder.Build(&store.VisitorTemplate{TemplateKey: "missing", CorePersona: "row persona", ChatPrinciple: "row principle"}, ltm)
		require.NoError(t, err)
		assert.Equal(t, "row persona", p.CorePersona)
		assert.Equal(t, "row principle", p.ChatPrinciple)
	})

	t.Run("embedded default key", func(t *testing.T) {
		p, err := builder.Build(&store.VisitorTemplate{}, ltm)
		require.NoError(t, err)
		assert.NotEmpty(t, p.CorePersona)
	})

	t.Run("missing persona file", func(t *testing.T) {
		_, err := builder.Build(&store.VisitorTemplate{TemplateKey: "missing"}, ltm)
		assert.ErrorIs(t, err, prompt.ErrNotFound)
	})
}
