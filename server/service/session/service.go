// Package session implements the lifecycle of counseling sessions and the pipeline that turns a
// finished session into a diary, a between-sessions activity and a revised long-term memory.
//
// The diary is produced synchronously by Finalize. Activity and long-term memory are produced by
// a detached background task, by Prepare when the next session opens, or by EnsureOutputs, which
// repairs whatever is still missing.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/counselsim/plugin/ai"
	"github.com/hrygo/counselsim/plugin/ai/persona"
	"github.com/hrygo/counselsim/plugin/ai/timeout"
	serrors "github.com/hrygo/counselsim/server/internal/errors"
	"github.com/hrygo/counselsim/server/internal/observability"
	"github.com/hrygo/counselsim/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// maxNumberingRetries bounds automatic numbering when concurrent starts collide.
	maxNumberingRetries = 3
)

// Service implements the session operations.
type Service struct {
	store    Store
	llm      ai.LLMService
	chains   Chains
	personas *persona.Builder
	runner   Runner
	logger   *slog.Logger

	ensureGroup singleflight.Group
}

// NewService creates a session service. llm serves conversational turns; chains serve the pipeline.
func NewService(store Store, llm ai.LLMService, chains Chains, personas *persona.Builder, runner Runner) *Service {
	return &Service{
		store:    store,
		llm:      llm,
		chains:   chains,
		personas: personas,
		runner:   runner,
		logger:   slog.Default(),
	}
}

// StartSession opens a new session. A nil number picks the next free one, starting at 1.
func (s *Service) StartSession(ctx context.Context, instanceID string, number *int32) (*store.Session, error) {
	if _, err := s.loadInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	if number != nil {
		if *number < 1 {
			return nil, serrors.InvalidArgument("session number must be at least 1")
		}
		existing, err := s.store.GetSession(ctx, &store.FindSession{
			VisitorInstanceID: &instanceID,
			SessionNumber:     number,
		})
		if err != nil {
			return nil, serrors.Internal("failed to look up session number", err)
		}
		if existing != nil {
			return nil, serrors.InvalidArgument("session number already exists").WithContext("session_number", *number)
		}
		return s.createSession(ctx, instanceID, *number)
	}

	var lastErr error
	for range maxNumberingRetries {
		last, err := s.store.GetSession(ctx, &store.FindSession{VisitorInstanceID: &instanceID})
		if err != nil {
			return nil, serrors.Internal("failed to look up last session", err)
		}
		next := int32(1)
		if last != nil {
			next = last.SessionNumber + 1
		}
		created, err := s.createSession(ctx, instanceID, next)
		if err == nil {
			return created, nil
		}
		lastErr = err
		s.logger.Warn("session number taken, retrying", "visitor_instance_id", instanceID, "session_number", next)
	}
	return nil, lastErr
}

func (s *Service) createSession(ctx context.Context, instanceID string, number int32) (*store.Session, error) {
	now := time.Now().Unix()
	created, err := s.store.CreateSession(ctx, &store.Session{
		ID:                uuid.NewString(),
		VisitorInstanceID: instanceID,
		SessionNumber:     number,
		ChatHistory:       []store.ChatTurn{},
		CreatedTs:         now,
		UpdatedTs:         now,
	})
	if err != nil {
		return nil, serrors.Internal("failed to create session", err)
	}
	return created, nil
}

// AppendChatTurn records one transcript line. Closed sessions reject new turns.
func (s *Service) AppendChatTurn(ctx context.Context, sessionID string, speaker store.Speaker, content string) (*store.Session, error) {
	if speaker != store.SpeakerUser && speaker != store.SpeakerAI {
		return nil, serrors.InvalidArgument("speaker must be user or ai").WithContext("speaker", speaker)
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsFinalized() {
		return nil, serrors.SessionFinalized(sessionID)
	}
	return s.appendTurns(ctx, session.ID, newTurn(speaker, content))
}

// Chat runs one conversational turn: the trainee's message goes to the visitor persona and
// both the message and the reply are appended to the transcript.
// A failed model call leaves the transcript unchanged, and so does a finalize that lands while
// the reply is generated: both turns are then rejected with SESSION_FINALIZED.
func (s *Service) Chat(ctx context.Context, sessionID, message string) (*store.ChatTurn, error) {
	sc := observability.NewStageContext(ctx, s.logger, observability.StageChat, sessionID)
	if strings.TrimSpace(message) == "" {
		return nil, serrors.InvalidArgument("message must not be empty")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsFinalized() {
		return nil, serrors.SessionFinalized(sessionID)
	}
	sc.WithVisitorInstance(session.VisitorInstanceID)

	instance, err := s.loadInstance(ctx, session.VisitorInstanceID)
	if err != nil {
		return nil, err
	}
	p, err := s.buildPersona(ctx, instance)
	if err != nil {
		return nil, err
	}

	history := make([]ai.Message, 0, len(session.ChatHistory))
	for _, turn := range session.ChatHistory {
		if turn.Speaker == store.SpeakerAI {
			history = append(history, ai.AssistantMessage(turn.Content))
		} else {
			history = append(history, ai.UserMessage(turn.Content))
		}
	}

	chatCtx, cancel := context.WithTimeout(ctx, timeout.ChatTurnTimeout)
	defer cancel()
	reply, err := s.llm.Chat(chatCtx, ai.FormatMessages(p.SystemPrompt(), message, history))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ai.ErrEmptyResponse
	}
	if err != nil {
		sc.Done(err)
		return nil, serrors.LLMUnavailable("visitor reply failed", err)
	}

	replyTurn := newTurn(store.SpeakerAI, strings.TrimSpace(reply))
	if _, err := s.appendTurns(ctx, session.ID, newTurn(store.SpeakerUser, message), replyTurn); err != nil {
		sc.Done(err)
		return nil, err
	}
	sc.Done(nil)
	return &replyTurn, nil
}

func newTurn(speaker store.Speaker, content string) store.ChatTurn {
	return store.ChatTurn{
		Speaker:   speaker,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// appendTurns appends onto the stored transcript. The write is refused once the session is
// finalized, even when the caller saw it open.
func (s *Service) appendTurns(ctx context.Context, sessionID string, turns ...store.ChatTurn) (*store.Session, error) {
	updated, err := s.store.AppendChatTurns(ctx, &store.AppendChatTurns{
		ID:        sessionID,
		Turns:     turns,
		UpdatedTs: time.Now().Unix(),
	})
	if err != nil {
		return nil, serrors.Internal("failed to append chat turn", err)
	}
	if updated == nil {
		if _, err := s.loadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, serrors.SessionFinalized(sessionID)
	}
	return updated, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.loadSession(ctx, sessionID)
}

// LastSession returns the highest-numbered session of an instance, or nil when it has none.
func (s *Service) LastSession(ctx context.Context, instanceID string) (*store.Session, error) {
	session, err := s.store.GetSession(ctx, &store.FindSession{VisitorInstanceID: &instanceID})
	if err != nil {
		return nil, serrors.Internal("failed to find last session", err)
	}
	return session, nil
}

// ListSessions returns one page of an instance's sessions, newest first. Pages start at 1.
func (s *Service) ListSessions(ctx context.Context, instanceID string, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	list, err := s.store.ListSessions(ctx, &store.FindSession{
		VisitorInstanceID: &instanceID,
		Limit:             pageSize,
		Offset:            (page - 1) * pageSize,
	})
	if err != nil {
		return nil, serrors.Internal("failed to list sessions", err)
	}

	items := make([]*Summary, 0, len(list))
	for _, session := range list {
		items = append(items, &Summary{
			SessionID:     session.ID,
			SessionNumber: session.SessionNumber,
			CreatedTs:     session.CreatedTs,
			Finalized:     session.IsFinalized(),
			HasDiary:      session.HasDiary(),
			HasActivity:   session.PreSessionActivity != nil,
		})
	}
	return &Page{Items: items, Page: page, PageSize: pageSize}, nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*store.Session, error) {
	if sessionID == "" {
		return nil, serrors.InvalidArgument("session id is required")
	}
	session, err := s.store.GetSession(ctx, &store.FindSession{ID: &sessionID})
	if err != nil {
		return nil, serrors.Internal("failed to load session", err)
	}
	if session == nil {
		return nil, serrors.NotFound("session", sessionID)
	}
	return session, nil
}

func (s *Service) loadInstance(ctx context.Context, instanceID string) (*store.VisitorInstance, error) {
	if instanceID == "" {
		return nil, serrors.InvalidArgument("visitor instance id is required")
	}
	instance, err := s.store.GetVisitorInstance(ctx, &store.FindVisitorInstance{ID: &instanceID})
	if err != nil {
		return nil, serrors.Internal("failed to load visitor instance", err)
	}
	if instance == nil {
		return nil, serrors.NotFound("visitor instance", instanceID)
	}
	return instance, nil
}

// buildPersona composes the persona of an instance from its template and current memory.
func (s *Service) buildPersona(ctx context.Context, instance *store.VisitorInstance) (*persona.Persona, error) {
	template, err := s.store.GetVisitorTemplate(ctx, &store.FindVisitorTemplate{ID: &instance.TemplateID})
	if err != nil {
		return nil, serrors.Internal("failed to load visitor template", err)
	}
	if template == nil {
		return nil, serrors.NotFound("visitor template", instance.TemplateID)
	}
	p, err := s.personas.Build(template, instance.LongTermMemory)
	if err != nil {
		return nil, serrors.Internal("failed to build persona", errors.WithStack(err))
	}
	return p, nil
}
