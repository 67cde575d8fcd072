package store

import (
	"encoding/json"
	"strings"
)

// LongTermMemoryNone is the sentinel stored in a long-term memory field that has nothing to report yet.
const LongTermMemoryNone = "无"

// Long-term memory field keys. They double as the JSON keys of the stored record
// and as the tag names the long-term memory chain asks the model to emit.
const (
	LongTermMemoryThisWeekFocus       = "thisweek_focus"
	LongTermMemoryDiscussedTopics     = "discussed_topics"
	LongTermMemoryMilestones          = "milestones"
	LongTermMemoryRecurringPatterns   = "recurring_patterns"
	LongTermMemoryCoreBeliefEvolution = "core_belief_evolution"
)

// LongTermMemoryFields lists the five field keys in their canonical order.
var LongTermMemoryFields = []string{
	LongTermMemoryThisWeekFocus,
	LongTermMemoryDiscussedTopics,
	LongTermMemoryMilestones,
	LongTermMemoryRecurringPatterns,
	LongTermMemoryCoreBeliefEvolution,
}

// LongTermMemory is the five-field snapshot of a visitor persona's evolving state.
type LongTermMemory struct {
	ThisWeekFocus       string `json:"thisweek_focus"`
	DiscussedTopics     string `json:"discussed_topics"`
	Milestones          string `json:"milestones"`
	RecurringPatterns   string `json:"recurring_patterns"`
	CoreBeliefEvolution string `json:"core_belief_evolution"`
}

// NewLongTermMemory returns a snapshot with every field set to the sentinel.
func NewLongTermMemory() LongTermMemory {
	return LongTermMemory{
		ThisWeekFocus:       LongTermMemoryNone,
		DiscussedTopics:     LongTermMemoryNone,
		Milestones:          LongTermMemoryNone,
		RecurringPatterns:   LongTermMemoryNone,
		CoreBeliefEvolution: LongTermMemoryNone,
	}
}

// Field returns the value stored under key, or "" for an unknown key.
func (m LongTermMemory) Field(key string) string {
	switch key {
	case LongTermMemoryThisWeekFocus:
		return m.ThisWeekFocus
	case LongTermMemoryDiscussedTopics:
		return m.DiscussedTopics
	case LongTermMemoryMilestones:
		return m.Milestones
	case LongTermMemoryRecurringPatterns:
		return m.RecurringPatterns
	case LongTermMemoryCoreBeliefEvolution:
		return m.CoreBeliefEvolution
	}
	return ""
}

// SetField stores value under key. Unknown keys are ignored.
func (m *LongTermMemory) SetField(key, value string) {
	switch key {
	case LongTermMemoryThisWeekFocus:
		m.ThisWeekFocus = value
	case LongTermMemoryDiscussedTopics:
		m.DiscussedTopics = value
	case LongTermMemoryMilestones:
		m.Milestones = value
	case LongTermMemoryRecurringPatterns:
		m.RecurringPatterns = value
	case LongTermMemoryCoreBeliefEvolution:
		m.CoreBeliefEvolution = value
	}
}

// IsEmpty reports whether every field is blank.
func (m LongTermMemory) IsEmpty() bool {
	for _, key := range LongTermMemoryFields {
		if strings.TrimSpace(m.Field(key)) != "" {
			return false
		}
	}
	return true
}

// Normalize fills blank fields with the sentinel so the record is always complete.
func (m LongTermMemory) Normalize() LongTermMemory {
	for _, key := range LongTermMemoryFields {
		if strings.TrimSpace(m.Field(key)) == "" {
			m.SetField(key, LongTermMemoryNone)
		}
	}
	return m
}

// String returns the JSON form used both for storage and for prompt input.
func (m LongTermMemory) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseLongTermMemory decodes a serialized snapshot. It never fails loudly:
// anything that is not a JSON object yields ok == false.
func ParseLongTermMemory(raw string) (LongTermMemory, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LongTermMemory{}, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return LongTermMemory{}, false
	}
	var m LongTermMemory
	for _, key := range LongTermMemoryFields {
		switch v := fields[key].(type) {
		case string:
			m.SetField(key, v)
		case nil:
		default:
			// Older snapshots occasionally carried non-string values.
			if data, err := json.Marshal(v); err == nil {
				m.SetField(key, string(data))
			}
		}
	}
	return m, true
}

// LongTermMemoryVersion is an append-only audit row holding one full snapshot.
type LongTermMemoryVersion struct {
	ID                int64
	UID               string
	VisitorInstanceID string
	Content           LongTermMemory
	CreatedTs         int64
}

// FindLongTermMemoryVersion specifies the conditions for listing versions.
// Results are ordered newest first.
type FindLongTermMemoryVersion struct {
	VisitorInstanceID *string
	Limit             int
}
