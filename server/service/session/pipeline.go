package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/counselsim/plugin/ai/chain"
	"github.com/hrygo/counselsim/plugin/ai/timeout"
	serrors "github.com/hrygo/counselsim/server/internal/errors"
	"github.com/hrygo/counselsim/server/internal/observability"
	"github.com/hrygo/counselsim/store"
)

// Finalize closes a session and returns its diary once the diary is durable.
// Activity and long-term memory are produced afterwards by a background task whose failures
// are only logged; EnsureOutputs repairs them.
//
// A session that already has a diary is returned as is and no background task is scheduled.
// Of two concurrent calls only the one whose diary is stored schedules the background task.
func (s *Service) Finalize(ctx context.Context, sessionID, assignment string) (result *FinalizeResult, err error) {
	sc := observability.NewStageContext(ctx, s.logger, observability.StageDiary, sessionID)
	defer func() { sc.Done(err) }()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sc.WithVisitorInstance(session.VisitorInstanceID)
	if session.HasDiary() {
		sc.Info("diary already present")
		return &FinalizeResult{Diary: *session.SessionDiary}, nil
	}

	diary, written, err := s.writeDiary(ctx, sc, session, assignment)
	if err != nil {
		return nil, err
	}
	if !written {
		sc.Info("diary stored by a concurrent finalize")
		return &FinalizeResult{Diary: diary}, nil
	}

	requestID := sc.RequestID
	if err := s.runner.Go("evolve:"+sessionID, func(ctx context.Context) error {
		return s.evolve(observability.WithRequestID(ctx, requestID), sessionID, assignment)
	}); err != nil {
		sc.Warn("background stage not scheduled", slog.String("error", err.Error()))
	}
	return &FinalizeResult{Diary: diary}, nil
}

// diaryWriteAttempts bounds how often the diary is regenerated because chat turns arrived
// while it was being written.
const diaryWriteAttempts = 3

// writeDiary generates and persists the diary of session, closing it if still open.
// A non-blank assignment replaces the homework; otherwise the homework is kept.
//
// The write only lands while the session has no diary and its transcript still has the turns
// the diary was generated from. When another caller stored a diary first, that diary is
// returned with written == false.
func (s *Service) writeDiary(ctx context.Context, sc *observability.StageContext, session *store.Session, assignment string) (diary string, written bool, err error) {
	instance, err := s.loadInstance(ctx, session.VisitorInstanceID)
	if err != nil {
		return "", false, err
	}
	p, err := s.buildPersona(ctx, instance)
	if err != nil {
		return "", false, err
	}
	history, err := s.diaryHistory(ctx, session.VisitorInstanceID, session.ID)
	if err != nil {
		return "", false, err
	}

	for attempt := 1; ; attempt++ {
		diaryCtx, cancel := context.WithTimeout(ctx, timeout.DiaryStageTimeout)
		out, err := s.chains.GenerateDiary(diaryCtx, chain.DiaryInput{
			PersonaBlueprint: p.CorePersona,
			DiaryHistory:     history,
			SessionChat:      store.FormatTranscript(session.ChatHistory),
		})
		cancel()
		if err != nil {
			return "", false, serrors.LLMUnavailable("diary generation failed", err)
		}
		sc.Debug("diary generated", slog.Int(observability.LogFieldAttempts, out.Attempts), slog.Bool("accepted", out.Accepted))

		now := time.Now().Unix()
		turns := len(session.ChatHistory)
		update := &store.UpdateSession{
			ID:           session.ID,
			SessionDiary: &out.Diary,
			UpdatedTs:    now,
			IfNoDiary:    true,
			IfTurnCount:  &turns,
		}
		if !session.IsFinalized() {
			update.FinalizedTs = &now
		}
		if assignment := strings.TrimSpace(assignment); assignment != "" {
			homework := []store.HomeworkItem{{Title: assignment, Status: store.HomeworkAssigned}}
			update.Homework = &homework
		}
		updated, err := s.store.UpdateSession(ctx, update)
		if err != nil {
			return "", false, serrors.Internal("failed to persist diary", err)
		}
		if updated != nil {
			return out.Diary, true, nil
		}

		current, err := s.loadSession(ctx, session.ID)
		if err != nil {
			return "", false, err
		}
		if current.HasDiary() {
			return *current.SessionDiary, false, nil
		}
		if attempt == diaryWriteAttempts {
			return "", false, serrors.Internal("transcript kept changing while the diary was written", nil).
				WithContext("attempts", attempt)
		}
		sc.Info("transcript changed during diary generation, regenerating", slog.Int("turns", len(current.ChatHistory)))
		session = current
	}
}

// diaryHistory joins the diaries of the instance's other sessions, oldest first.
func (s *Service) diaryHistory(ctx context.Context, instanceID, excludeID string) (string, error) {
	list, err := s.store.ListSessions(ctx, &store.FindSession{
		VisitorInstanceID: &instanceID,
		ExcludeID:         &excludeID,
		HasDiary:          true,
		Ascending:         true,
	})
	if err != nil {
		return "", serrors.Internal("failed to load diary history", err)
	}
	lines := make([]string, 0, len(list))
	for _, session := range list {
		lines = append(lines, fmt.Sprintf("session %d: %s", session.SessionNumber, *session.SessionDiary))
	}
	return strings.Join(lines, "\n"), nil
}

// evolve is the background half of Finalize. It re-reads the instance so that memory
// written concurrently by another stage is the base of this revision.
func (s *Service) evolve(ctx context.Context, sessionID, assignment string) (err error) {
	sc := observability.NewStageContext(ctx, s.logger, observability.StageBackground, sessionID)
	defer func() { sc.Done(err) }()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sc.WithVisitorInstance(session.VisitorInstanceID)
	if !session.HasDiary() {
		return serrors.Internal("session has no diary to evolve from", nil)
	}
	instance, err := s.loadInstance(ctx, session.VisitorInstanceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(assignment) == "" {
		assignment = session.Assignment()
	}

	activity, err := s.rollForward(ctx, sc, instance, session, assignment)
	if err != nil {
		return err
	}
	return s.persistActivity(ctx, session.ID, activity)
}

// Prepare generates the activity that bridges the previous completed session to this one and
// rolls the long-term memory forward from it. The activity is attached to this session.
func (s *Service) Prepare(ctx context.Context, sessionID string) (result *PrepareResult, err error) {
	sc := observability.NewStageContext(ctx, s.logger, observability.StagePrepare, sessionID)
	defer func() { sc.Done(err) }()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sc.WithVisitorInstance(session.VisitorInstanceID)
	instance, err := s.loadInstance(ctx, session.VisitorInstanceID)
	if err != nil {
		return nil, err
	}

	antecedent, err := s.store.GetSession(ctx, &store.FindSession{
		VisitorInstanceID: &session.VisitorInstanceID,
		ExcludeID:         &session.ID,
		FinalizedOnly:     true,
		HasDiary:          true,
	})
	if err != nil {
		return nil, serrors.Internal("failed to find previous session", err)
	}
	if antecedent == nil {
		return nil, serrors.NoAntecedent()
	}
	sc.Debug("antecedent found", slog.String("antecedent_id", antecedent.ID), slog.Int("antecedent_number", int(antecedent.SessionNumber)))

	activity, err := s.rollForward(ctx, sc, instance, antecedent, antecedent.Assignment())
	if err != nil {
		return nil, err
	}
	if err := s.persistActivity(ctx, session.ID, activity); err != nil {
		return nil, err
	}
	return &PrepareResult{ActivityJSON: activity}, nil
}

// rollForward runs the activity and long-term memory chains against source, appends a memory
// version and overwrites the instance memory. It returns the activity text.
func (s *Service) rollForward(ctx context.Context, sc *observability.StageContext, instance *store.VisitorInstance, source *store.Session, assignment string) (string, error) {
	p, err := s.buildPersona(ctx, instance)
	if err != nil {
		return "", err
	}
	current := instance.LongTermMemory.String()

	activity, err := s.chains.GenerateActivity(ctx, chain.ActivityInput{
		CorePersona:    p.CorePersona,
		LongTermMemory: current,
		SessionChat:    store.FormatTranscript(source.ChatHistory),
		Assignment:     assignment,
	})
	if err != nil {
		return "", serrors.LLMUnavailable("activity generation failed", err)
	}
	if !activity.Accepted {
		sc.Warn("activity kept without valid json", slog.Int(observability.LogFieldAttempts, activity.Attempts))
	}

	// The memory may have moved on while the activity was generated.
	latest, err := s.loadInstance(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	diary := ""
	if source.SessionDiary != nil {
		diary = *source.SessionDiary
	}
	ltm, err := s.chains.UpdateLongTermMemory(ctx, chain.LongTermMemoryInput{
		Current:        latest.LongTermMemory.String(),
		LatestDiary:    diary,
		LatestActivity: activity.ActivityJSON,
	})
	if err != nil {
		return "", serrors.LLMUnavailable("long-term memory update failed", err)
	}

	now := time.Now().Unix()
	if _, err := s.store.CreateLongTermMemoryVersion(ctx, &store.LongTermMemoryVersion{
		UID:               shortuuid.New(),
		VisitorInstanceID: instance.ID,
		Content:           ltm.Memory,
		CreatedTs:         now,
	}); err != nil {
		return "", serrors.Internal("failed to append long-term memory version", err)
	}
	if _, err := s.store.UpdateVisitorInstance(ctx, &store.UpdateVisitorInstance{
		ID:             instance.ID,
		LongTermMemory: &ltm.Memory,
		UpdatedTs:      now,
	}); err != nil {
		return "", serrors.Internal("failed to update long-term memory", err)
	}
	return activity.ActivityJSON, nil
}

func (s *Service) persistActivity(ctx context.Context, sessionID, activity string) error {
	if _, err := s.store.UpdateSession(ctx, &store.UpdateSession{
		ID:                 sessionID,
		PreSessionActivity: store.NewPreSessionActivity(activity),
		UpdatedTs:          time.Now().Unix(),
	}); err != nil {
		return serrors.Internal("failed to persist activity", err)
	}
	return nil
}

// EnsureOutputs fills in whatever pipeline output of the session is missing and reports what exists.
// A missing diary reruns the diary stage; a missing activity runs Prepare anchored on this session.
// Having no antecedent is not an error here; the activity is simply reported absent.
// Concurrent calls for the same session share one run.
func (s *Service) EnsureOutputs(ctx context.Context, sessionID string) (*Outputs, error) {
	// The shared run outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.ensureGroup.Do(sessionID, func() (any, error) {
		return s.ensureOutputs(shared, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outputs), nil
}

func (s *Service) ensureOutputs(ctx context.Context, sessionID string) (outputs *Outputs, err error) {
	sc := observability.NewStageContext(ctx, s.logger, observability.StageEnsure, sessionID)
	defer func() { sc.Done(err) }()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sc.WithVisitorInstance(session.VisitorInstanceID)

	if !session.HasDiary() {
		sc.Info("diary missing, regenerating")
		if _, _, err := s.writeDiary(ctx, sc, session, ""); err != nil {
			return nil, err
		}
	}
	if session.PreSessionActivity == nil {
		sc.Info("activity missing, preparing")
		if _, err := s.Prepare(ctx, sessionID); err != nil {
			if !serrors.IsCode(err, serrors.ErrCodeNoAntecedent) {
				return nil, err
			}
			sc.Info("no antecedent session, activity left empty")
		}
	}

	session, err = s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	instance, err := s.loadInstance(ctx, session.VisitorInstanceID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.CountLongTermMemoryVersions(ctx, instance.ID, 1)
	if err != nil {
		return nil, serrors.Internal("failed to count long-term memory versions", err)
	}
	return &Outputs{
		HasDiary:    session.HasDiary(),
		HasActivity: session.PreSessionActivity != nil,
		HasLtm:      !instance.LongTermMemory.IsEmpty() && versions > 0,
	}, nil
}
