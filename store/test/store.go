package test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/counselsim/internal/profile"
	"github.com/hrygo/counselsim/internal/version"
	"github.com/hrygo/counselsim/store"
	"github.com/hrygo/counselsim/store/db"
)

// NewTestingStore opens a migrated store for tests.
// The driver comes from DRIVER (sqlite by default); SQLite databases live in t.TempDir.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	profile := getTestingProfile(t)
	dbDriver, err := db.NewDBDriver(profile)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	ts := store.New(dbDriver, profile)
	if err := ts.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		ts.Close()
	})
	return ts
}

func getTestingProfile(t *testing.T) *profile.Profile {
	driver := getDriverFromEnv()
	dir := t.TempDir()
	dsn := filepath.Join(dir, fmt.Sprintf("counselsim_%s.db", uuid.NewString()[:8]))
	if driver == "postgres" {
		dsn = GetPostgresDSN(t)
	}
	return &profile.Profile{
		Mode:    "prod",
		Data:    dir,
		DSN:     dsn,
		Driver:  driver,
		Version: version.GetCurrentVersion("prod"),
	}
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}

// CreateTestingVisitor inserts a template and an instance with the all-sentinel long-term memory.
func CreateTestingVisitor(ctx context.Context, ts *store.Store) (*store.VisitorTemplate, *store.VisitorInstance, error) {
	now := time.Now().Unix()
	suffix := uuid.NewString()[:8]
	template, err := ts.CreateVisitorTemplate(ctx, &store.VisitorTemplate{
		ID:          uuid.NewString(),
		TemplateKey: "key-" + suffix,
		Name:        "visitor-" + suffix,
		CorePersona: "我是一名焦虑的大学生。",
		CreatedTs:   now,
		UpdatedTs:   now,
	})
	if err != nil {
		return nil, nil, err
	}
	instance, err := ts.CreateVisitorInstance(ctx, &store.VisitorInstance{
		ID:             uuid.NewString(),
		UserID:         "trainee-" + suffix,
		TemplateID:     template.ID,
		LongTermMemory: store.NewLongTermMemory(),
		CreatedTs:      now,
		UpdatedTs:      now,
	})
	if err != nil {
		return nil, nil, err
	}
	return template, instance, nil
}

// CreateTestingSession inserts a session with the given number and transcript.
func CreateTestingSession(ctx context.Context, ts *store.Store, instanceID string, number int32, turns ...store.ChatTurn) (*store.Session, error) {
	now := time.Now().Unix()
	return ts.CreateSession(ctx, &store.Session{
		ID:                uuid.NewString(),
		VisitorInstanceID: instanceID,
		SessionNumber:     number,
		ChatHistory:       turns,
		CreatedTs:         now,
		UpdatedTs:         now,
	})
}
