// Package prompt loads the natural-language templates used by the generation chains.
package prompt

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/store/cache"
)

//go:embed templates
var templateFS embed.FS

// Name identifies a prompt template.
type Name string

const (
	DiaryGeneration    Name = "diary_generation"
	ActivityGeneration Name = "activity_generation"
	LongTermMemory     Name = "longterm_memory"
	ChatPrinciple      Name = "chat_principle"
)

// ErrNotFound is returned when neither the override directory nor the embedded set has the file.
var ErrNotFound = errors.New("prompt not found")

// Loader reads templates from an optional override directory, falling back to the embedded defaults.
// Loaded text is cached.
type Loader struct {
	dir   string
	cache *cache.Cache[string]
}

// NewLoader creates a loader. An empty dir uses only the embedded templates.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: cache.New[string](cache.Config{DefaultTTL: 10 * time.Minute, MaxItems: 256}),
	}
}

// Load returns the template text for name.
func (l *Loader) Load(name Name) (string, error) {
	return l.read(string(name) + ".txt")
}

// CorePersona returns core_persona/<key>.txt, falling back to origin_persona/<key>.txt.
func (l *Loader) CorePersona(key string) (string, error) {
	if !validKey(key) {
		return "", errors.Errorf("invalid persona key %q", key)
	}
	text, err := l.read(path.Join("core_persona", key+".txt"))
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return l.read(path.Join("origin_persona", key+".txt"))
}

// Invalidate drops cached text so edited override files are picked up.
func (l *Loader) Invalidate() {
	l.cache.Clear()
}

func (l *Loader) read(rel string) (string, error) {
	if text, ok := l.cache.Get(rel); ok {
		return text, nil
	}

	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(rel)))
		if err == nil {
			text := string(data)
			l.cache.Set(rel, text, 0)
			return text, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrapf(err, "failed to read prompt %s", rel)
		}
	}

	data, err := templateFS.ReadFile(path.Join("templates", rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrap(ErrNotFound, rel)
		}
		return "", errors.Wrapf(err, "failed to read embedded prompt %s", rel)
	}
	text := string(data)
	l.cache.Set(rel, text, 0)
	return text, nil
}

func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}

// Fill replaces every {{key}} placeholder in tpl with its value.
// Placeholders without a value are left untouched.
func Fill(tpl string, values map[string]string) string {
	if len(values) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
