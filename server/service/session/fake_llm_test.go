package session

import (
	"context"
	"strings"
	"sync"

	"github.com/hrygo/counselsim/plugin/ai"
)

const (
	kindDiary    = "diary"
	kindActivity = "activity"
	kindLTM      = "ltm"
	kindChat     = "chat"
)

const (
	diaryReply    = "<diary>今天和咨询师聊了工作上的焦虑。</diary>"
	activityReply = `<scratchpad>这一周会继续加班</scratchpad><activity>{"summary":"加班的一周","days":[{"day":1,"events":["加班"]}]}</activity>`
	ltmReply      = `<scratchpad>整理</scratchpad><longterm_memory>
<thisweek_focus>工作焦虑</thisweek_focus>
<discussed_topics>加班、睡眠</discussed_topics>
<milestones>第一次承认压力</milestones>
<recurring_patterns>灾难化思维</recurring_patterns>
<core_belief_evolution>我必须做到完美</core_belief_evolution>
</longterm_memory>`
)

// fakeLLM answers each chain with a canned reply chosen by the system prompt.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   map[string]int
	prompts map[string][]string
	chats   [][]ai.Message
	gates   map[string]*gate
}

// gate holds calls of one kind until it is opened.
type gate struct {
	entered chan struct{}
	open    chan struct{}
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		replies: map[string]string{
			kindDiary:    diaryReply,
			kindActivity: activityReply,
			kindLTM:      ltmReply,
			kindChat:     "嗯……最近确实挺累的。",
		},
		errs:    map[string]error{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
		gates:   map[string]*gate{},
	}
}

func classify(system string) string {
	switch {
	case strings.Contains(system, "<longterm_memory>"):
		return kindLTM
	case strings.Contains(system, "<activity>"):
		return kindActivity
	case strings.Contains(system, "<diary>"):
		return kindDiary
	default:
		return kindChat
	}
}

func (f *fakeLLM) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	f.mu.Lock()
	kind := classify(messages[0].Content)
	f.calls[kind]++
	f.prompts[kind] = append(f.prompts[kind], messages[len(messages)-1].Content)
	if kind == kindChat {
		f.chats = append(f.chats, messages)
	}
	g := f.gates[kind]
	f.mu.Unlock()

	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.open:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[kind]; err != nil {
		return "", err
	}
	return f.replies[kind], nil
}

// hold makes calls of kind wait until release is called. entered fires when a call is waiting.
func (f *fakeLLM) hold(kind string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}, 1), open: make(chan struct{})}
	f.mu.Lock()
	f.gates[kind] = g
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.open) }) }
}

func (f *fakeLLM) set(kind, reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[kind] = reply
	f.errs[kind] = err
}

func (f *fakeLLM) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeLLM) lastPrompt(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.prompts[kind]
	if len(list) == 0 {
		return ""
	}
	return list[len(list)-1]
}
