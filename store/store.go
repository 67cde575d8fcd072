package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/internal/profile"
	"github.com/hrygo/counselsim/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Templates are immutable once created, so they are cached by id and by key.
	templateCache *cache.Cache[*VisitorTemplate]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		templateCache: cache.New[*VisitorTemplate](cache.Config{
			DefaultTTL: 10 * time.Minute,
			MaxItems:   1000,
		}),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	s.templateCache.Clear()
	return s.driver.Close()
}

func (s *Store) CreateVisitorTemplate(ctx context.Context, create *VisitorTemplate) (*VisitorTemplate, error) {
	template, err := s.driver.CreateVisitorTemplate(ctx, create)
	if err != nil {
		return nil, err
	}
	s.cacheTemplate(template)
	return template, nil
}

func (s *Store) ListVisitorTemplates(ctx context.Context, find *FindVisitorTemplate) ([]*VisitorTemplate, error) {
	return s.driver.ListVisitorTemplates(ctx, find)
}

// GetVisitorTemplate returns nil when no template matches.
func (s *Store) GetVisitorTemplate(ctx context.Context, find *FindVisitorTemplate) (*VisitorTemplate, error) {
	if find.ID != nil {
		if template, ok := s.templateCache.Get("id:" + *find.ID); ok {
			return template, nil
		}
	} else if find.TemplateKey != nil {
		if template, ok := s.templateCache.Get("key:" + *find.TemplateKey); ok {
			return template, nil
		}
	}

	list, err := s.driver.ListVisitorTemplates(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	s.cacheTemplate(list[0])
	return list[0], nil
}

func (s *Store) cacheTemplate(template *VisitorTemplate) {
	s.templateCache.Set("id:"+template.ID, template, 0)
	if template.TemplateKey != "" {
		s.templateCache.Set("key:"+template.TemplateKey, template, 0)
	}
}

func (s *Store) CreateVisitorInstance(ctx context.Context, create *VisitorInstance) (*VisitorInstance, error) {
	return s.driver.CreateVisitorInstance(ctx, create)
}

func (s *Store) ListVisitorInstances(ctx context.Context, find *FindVisitorInstance) ([]*VisitorInstance, error) {
	return s.driver.ListVisitorInstances(ctx, find)
}

// GetVisitorInstance returns nil when no instance matches.
func (s *Store) GetVisitorInstance(ctx context.Context, find *FindVisitorInstance) (*VisitorInstance, error) {
	list, err := s.driver.ListVisitorInstances(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateVisitorInstance(ctx context.Context, update *UpdateVisitorInstance) (*VisitorInstance, error) {
	return s.driver.UpdateVisitorInstance(ctx, update)
}

func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	return s.driver.CreateSession(ctx, create)
}

func (s *Store) ListSessions(ctx context.Context, find *FindSession) ([]*Session, error) {
	return s.driver.ListSessions(ctx, find)
}

// GetSession returns nil when no session matches.
func (s *Store) GetSession(ctx context.Context, find *FindSession) (*Session, error) {
	find.Limit = 1
	list, err := s.driver.ListSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error) {
	return s.driver.UpdateSession(ctx, update)
}

// AppendChatTurns returns nil when the session does not exist or is already finalized.
func (s *Store) AppendChatTurns(ctx context.Context, appendTurns *AppendChatTurns) (*Session, error) {
	return s.driver.AppendChatTurns(ctx, appendTurns)
}

func (s *Store) CreateLongTermMemoryVersion(ctx context.Context, create *LongTermMemoryVersion) (*LongTermMemoryVersion, error) {
	return s.driver.CreateLongTermMemoryVersion(ctx, create)
}

func (s *Store) ListLongTermMemoryVersions(ctx context.Context, find *FindLongTermMemoryVersion) ([]*LongTermMemoryVersion, error) {
	return s.driver.ListLongTermMemoryVersions(ctx, find)
}

// CountLongTermMemoryVersions reports whether at least one version exists when limit is 1,
// and the number of versions up to limit otherwise.
func (s *Store) CountLongTermMemoryVersions(ctx context.Context, visitorInstanceID string, limit int) (int, error) {
	list, err := s.driver.ListLongTermMemoryVersions(ctx, &FindLongTermMemoryVersion{
		VisitorInstanceID: &visitorInstanceID,
		Limit:             limit,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list long-term memory versions")
	}
	return len(list), nil
}
