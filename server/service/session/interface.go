package session

import (
	"context"

	"github.com/hrygo/counselsim/plugin/ai/chain"
	"github.com/hrygo/counselsim/server/runner/background"
	"github.com/hrygo/counselsim/store"
)

// Store is the interface for store operations needed by the session service.
type Store interface {
	CreateSession(ctx context.Context, create *store.Session) (*store.Session, error)
	ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error)
	GetSession(ctx context.Context, find *store.FindSession) (*store.Session, error)
	UpdateSession(ctx context.Context, update *store.UpdateSession) (*store.Session, error)
	AppendChatTurns(ctx context.Context, appendTurns *store.AppendChatTurns) (*store.Session, error)

	GetVisitorInstance(ctx context.Context, find *store.FindVisitorInstance) (*store.VisitorInstance, error)
	UpdateVisitorInstance(ctx context.Context, update *store.UpdateVisitorInstance) (*store.VisitorInstance, error)
	GetVisitorTemplate(ctx context.Context, find *store.FindVisitorTemplate) (*store.VisitorTemplate, error)

	CreateLongTermMemoryVersion(ctx context.Context, create *store.LongTermMemoryVersion) (*store.LongTermMemoryVersion, error)
	CountLongTermMemoryVersions(ctx context.Context, visitorInstanceID string, limit int) (int, error)
}

// Chains runs the three generation chains.
type Chains interface {
	GenerateDiary(ctx context.Context, in chain.DiaryInput) (*chain.DiaryOutput, error)
	GenerateActivity(ctx context.Context, in chain.ActivityInput) (*chain.ActivityOutput, error)
	UpdateLongTermMemory(ctx context.Context, in chain.LongTermMemoryInput) (*chain.LongTermMemoryOutput, error)
}

// Runner schedules detached work.
type Runner interface {
	Go(name string, task background.Task) error
}

// FinalizeResult is what a finalize caller gets back once the diary is durable.
type FinalizeResult struct {
	Diary string `json:"diary"`
}

// PrepareResult carries the activity attached to the prepared session.
type PrepareResult struct {
	ActivityJSON string `json:"activityJson"`
}

// Outputs reports which pipeline artifacts exist for a session.
type Outputs struct {
	HasDiary    bool `json:"hasDiary"`
	HasActivity bool `json:"hasActivity"`
	HasLtm      bool `json:"hasLtm"`
}

// Summary is one row of a session history page.
type Summary struct {
	SessionID     string `json:"sessionId"`
	SessionNumber int32  `json:"sessionNumber"`
	CreatedTs     int64  `json:"createdTs"`
	Finalized     bool   `json:"finalized"`
	HasDiary      bool   `json:"hasDiary"`
	HasActivity   bool   `json:"hasActivity"`
}

// Page is one page of session summaries, newest first.
type Page struct {
	Items    []*Summary `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}
