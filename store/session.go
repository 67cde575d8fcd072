package store

import (
	"encoding/json"
	"strings"
)

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// ChatTurn is one line of a session transcript.
type ChatTurn struct {
	Speaker   Speaker `json:"speaker"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
}

// FormatTranscript renders turns as "speaker: content" lines.
func FormatTranscript(turns []ChatTurn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, string(turn.Speaker)+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

type HomeworkStatus string

const (
	HomeworkAssigned   HomeworkStatus = "assigned"
	HomeworkInProgress HomeworkStatus = "in_progress"
	HomeworkCompleted  HomeworkStatus = "completed"
)

type HomeworkItem struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      HomeworkStatus `json:"status"`
	DueAt       string         `json:"dueAt,omitempty"`
	CompletedAt string         `json:"completedAt,omitempty"`
}

// PreSessionActivity is the between-sessions activity log attached to a session.
// Details holds the activity JSON when the model produced valid JSON, otherwise the
// raw activity text encoded as a JSON string.
type PreSessionActivity struct {
	Summary string          `json:"summary"`
	Details json.RawMessage `json:"details,omitempty"`
}

// NewPreSessionActivity wraps activity text produced by the activity chain.
func NewPreSessionActivity(activity string) *PreSessionActivity {
	trimmed := strings.TrimSpace(activity)
	if trimmed == "" {
		trimmed = "{}"
	}
	if json.Valid([]byte(trimmed)) {
		return &PreSessionActivity{Details: json.RawMessage(trimmed)}
	}
	encoded, _ := json.Marshal(activity)
	return &PreSessionActivity{Details: encoded}
}

// Session is one bounded interaction between a trainee and a visitor instance.
type Session struct {
	ID                 string
	VisitorInstanceID  string
	SessionNumber      int32
	ChatHistory        []ChatTurn
	Homework           []HomeworkItem
	SessionDiary       *string
	PreSessionActivity *PreSessionActivity
	FinalizedTs        *int64
	CreatedTs          int64
	UpdatedTs          int64
}

// IsFinalized reports whether the session has been closed.
func (s *Session) IsFinalized() bool {
	return s.FinalizedTs != nil
}

// HasDiary reports whether the diary stage has completed.
func (s *Session) HasDiary() bool {
	return s.SessionDiary != nil
}

// Assignment returns the first homework title, or "".
func (s *Session) Assignment() string {
	if len(s.Homework) == 0 {
		return ""
	}
	return s.Homework[0].Title
}

// FindSession specifies the conditions for finding sessions.
// Results are ordered by session number, newest first unless Ascending is set.
type FindSession struct {
	ID                *string
	VisitorInstanceID *string
	SessionNumber     *int32
	ExcludeID         *string

	// FinalizedOnly keeps sessions with a finalized timestamp.
	FinalizedOnly bool
	// HasDiary keeps sessions whose diary is present.
	HasDiary bool
	// MissingActivity keeps sessions whose pre-session activity is absent.
	MissingActivity bool
	// HasAntecedent keeps sessions whose instance has another finalized session with a diary.
	HasAntecedent bool

	Ascending bool
	Limit     int
	Offset    int
}

// UpdateSession carries the nullable columns the pipeline fills in.
// Nil pointers leave the column untouched.
//
// IfOpen, IfNoDiary and IfTurnCount make the update conditional. When the condition no longer holds the
// row is left as is and UpdateSession returns nil without an error.
type UpdateSession struct {
	ID                 string
	ChatHistory        *[]ChatTurn
	Homework           *[]HomeworkItem
	SessionDiary       *string
	PreSessionActivity *PreSessionActivity
	FinalizedTs        *int64
	UpdatedTs          int64

	// IfOpen applies the update only while finalized_ts is NULL.
	IfOpen bool
	// IfNoDiary applies the update only while session_diary is NULL.
	IfNoDiary bool
	// IfTurnCount applies the update only while the transcript holds exactly this many turns.
	IfTurnCount *int
}

// IsConditional reports whether the update carries a precondition.
func (u *UpdateSession) IsConditional() bool {
	return u.IfOpen || u.IfNoDiary || u.IfTurnCount != nil
}

// AppendChatTurns appends turns to the transcript stored at write time.
// Finalized sessions are never touched.
type AppendChatTurns struct {
	ID        string
	Turns     []ChatTurn
	UpdatedTs int64
}
