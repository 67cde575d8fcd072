package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// SystemSetting model related methods.
	UpsertSystemSetting(ctx context.Context, upsert *SystemSetting) (*SystemSetting, error)
	ListSystemSettings(ctx context.Context, find *FindSystemSetting) ([]*SystemSetting, error)

	// VisitorTemplate model related methods.
	CreateVisitorTemplate(ctx context.Context, create *VisitorTemplate) (*VisitorTemplate, error)
	ListVisitorTemplates(ctx context.Context, find *FindVisitorTemplate) ([]*VisitorTemplate, error)

	// VisitorInstance model related methods.
	CreateVisitorInstance(ctx context.Context, create *VisitorInstance) (*VisitorInstance, error)
	ListVisitorInstances(ctx context.Context, find *FindVisitorInstance) ([]*VisitorInstance, error)
	UpdateVisitorInstance(ctx context.Context, update *UpdateVisitorInstance) (*VisitorInstance, error)

	// Session model related methods.
	CreateSession(ctx context.Context, create *Session) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)
	UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error)
	// AppendChatTurns returns nil when the session is missing or finalized.
	AppendChatTurns(ctx context.Context, appendTurns *AppendChatTurns) (*Session, error)

	// LongTermMemoryVersion model related methods.
	// Versions are append-only.
	CreateLongTermMemoryVersion(ctx context.Context, create *LongTermMemoryVersion) (*LongTermMemoryVersion, error)
	ListLongTermMemoryVersions(ctx context.Context, find *FindLongTermMemoryVersion) ([]*LongTermMemoryVersion, error)
}
