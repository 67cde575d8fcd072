package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/counselsim/internal/profile"
	serrors "github.com/hrygo/counselsim/server/internal/errors"
	"github.com/hrygo/counselsim/server/internal/observability"
	"github.com/hrygo/counselsim/server/service/session"
	"github.com/hrygo/counselsim/store"
)

// MockSessionService implements SessionService for testing.
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) StartSession(ctx context.Context, instanceID string, number *int32) (*store.Session, error) {
	args := m.Called(ctx, instanceID, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Session), args.Error(1)
}

func (m *MockSessionService) AppendChatTurn(ctx context.Context, sessionID string, speaker store.Speaker, content string) (*store.Session, error) {
	args := m.Called(ctx, sessionID, speaker, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Session), args.Error(1)
}

func (m *MockSessionService) Chat(ctx context.Context, sessionID, message string) (*store.ChatTurn, error) {
	args := m.Called(ctx, sessionID, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ChatTurn), args.Error(1)
}

func (m *MockSessionService) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Session), args.Error(1)
}

func (m *MockSessionService) LastSession(ctx context.Context, instanceID string) (*store.Session, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Session), args.Error(1)
}

func (m *MockSessionService) ListSessions(ctx context.Context, instanceID string, page, pageSize int) (*session.Page, error) {
	args := m.Called(ctx, instanceID, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Page), args.Error(1)
}

func (m *MockSessionService) Finalize(ctx context.Context, sessionID, assignment string) (*session.FinalizeResult, error) {
	args := m.Called(ctx, sessionID, assignment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.FinalizeResult), args.Error(1)
}

func (m *MockSessionService) Prepare(ctx context.Context, sessionID string) (*session.PrepareResult, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.PrepareResult), args.Error(1)
}

func (m *MockSessionService) EnsureOutputs(ctx context.Context, sessionID string) (*session.Outputs, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Outputs), args.Error(1)
}

func newTestServer(t *testing.T) (*echo.Echo, *MockSessionService) {
	t.Helper()
	svc := new(MockSessionService)
	e := echo.New()
	NewAPIV1Service(&profile.Profile{Version: "test", RequestsPerSecond: 1000, RequestBurst: 1000}, svc).RegisterRoutes(e)
	t.Cleanup(func() { svc.AssertExpectations(t) })
	return e, svc
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStartSession(t *testing.T) {
	t.Run("auto numbering", func(t *testing.T) {
		e, svc := newTestServer(t)
		svc.On("StartSession", mock.Anything, "v1", (*int32)(nil)).
			Return(&store.Session{ID: "s1", SessionNumber: 3}, nil).Once()

		rec := do(e, http.MethodPost, "/api/v1/sessions/start", `{"visitorInstanceId":"v1","sessionNumber":7}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "s1", body["sessionId"])
		assert.Equal(t, float64(3), body["sessionNumber"])
	})

	t.Run("explicit number", func(t *testing.T) {
		e, svc := newTestServer(t)
		svc.On("StartSession", mock.Anything, "v1", mock.MatchedBy(func(n *int32) bool { return n != nil && *n == 7 })).
			Return(&store.Session{ID: "s7", SessionNumber: 7}, nil).Once()

		rec := do(e, http.MethodPost, "/api/v1/sessions/start", `{"visitorInstanceId":"v1","sessionNumber":7,"auto":false}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing instance id", func(t *testing.T) {
		e, _ := newTestServer(t)
		rec := do(e, http.MethodPost, "/api/v1/sessions/start", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decode(t, rec)["code"])
	})

	t.Run("unknown instance", func(t *testing.T) {
		e, svc := newTestServer(t)
		svc.On("StartSession", mock.Anything, "nope", (*int32)(nil)).
			Return(nil, serrors.NotFound("visitor instance", "nope")).Once()

		rec := do(e, http.MethodPost, "/api/v1/sessions/start", `{"visitorInstanceId":"nope"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decode(t, rec)["code"])
	})
}

func TestGetLastSession(t *testing.T) {
	e, svc := newTestServer(t)
	svc.On("LastSession", mock.Anything, "empty").Return(nil, nil).Once()
	svc.On("LastSession", mock.Anything, "v1").Return(&store.Session{
		ID:            "s2",
		SessionNumber: 2,
		ChatHistory:   []store.ChatTurn{{Speaker: store.SpeakerUser, Content: "hi"}},
	}, nil).Once()

	rec := do(e, http.MethodGet, "/api/v1/sessions/last?visitorInstanceId=empty", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = do(e, http.MethodGet, "/api/v1/sessions/last?visitorInstanceId=v1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "s2", body["sessionId"])
	assert.Len(t, body["chatHistory"], 1)
}

func TestListSessions(t *testing.T) {
	e, svc := newTestServer(t)
	svc.On("ListSessions", mock.Anything, "v1", 2, 5).Return(&session.Page{
		Items:    []*session.Summary{{SessionID: "s1", SessionNumber: 1, HasDiary: true}},
		Page:     2,
		PageSize: 5,
	}, nil).Once()

	rec := do(e, http.MethodGet, "/api/v1/sessions/list?visitorInstanceId=v1&page=2&pageSize=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["page"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, true, items[0].(map[string]any)["hasDiary"])

	rec = do(e, http.MethodGet, "/api/v1/sessions/list?visitorInstanceId=v1&page=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	e, svc := newTestServer(t)
	diary := "今天很**累**。\n但还好。"
	svc.On("GetSession", mock.Anything, "s1").Return(&store.Session{
		ID:                 "s1",
		SessionNumber:      1,
		SessionDiary:       &diary,
		PreSessionActivity: store.NewPreSessionActivity(`{"summary":"x"}`),
		Homework:           []store.HomeworkItem{{Title: "散步", Status: store.HomeworkAssigned}},
	}, nil).Once()
	svc.On("GetSession", mock.Anything, "missing").Return(nil, serrors.NotFound("session", "missing")).Once()

	rec := do(e, http.MethodGet, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, diary, body["sessionDiary"])
	assert.Contains(t, body["sessionDiaryHtml"], "<strong>累</strong>")
	assert.Contains(t, body["sessionDiaryHtml"], "<br")
	activity := body["preSessionActivity"].(map[string]any)
	assert.Equal(t, map[string]any{"summary": "x"}, activity["details"])

	rec = do(e, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppendChatTurnAndChat(t *testing.T) {
	e, svc := newTestServer(t)
	svc.On("AppendChatTurn", mock.Anything, "s1", store.SpeakerUser, "你好").Return(&store.Session{ID: "s1"}, nil).Once()
	svc.On("AppendChatTurn", mock.Anything, "closed", store.SpeakerUser, "你好").Return(nil, serrors.SessionFinalized("closed")).Once()
	svc.On("Chat", mock.Anything, "s1", "最近好吗").Return(&store.ChatTurn{Speaker: store.SpeakerAI, Content: "还行"}, nil).Once()

	rec := do(e, http.MethodPost, "/api/v1/sessions/s1/messages", `{"speaker":"user","content":"你好"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	rec = do(e, http.MethodPost, "/api/v1/sessions/closed/messages", `{"speaker":"user","content":"你好"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_FINALIZED", decode(t, rec)["code"])

	rec = do(e, http.MethodPost, "/api/v1/sessions/s1/chat", `{"message":"最近好吗"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	reply := decode(t, rec)["reply"].(map[string]any)
	assert.Equal(t, "还行", reply["content"])
}

func TestPipelineEndpoints(t *testing.T) {
	e, svc := newTestServer(t)
	svc.On("Finalize", mock.Anything, "s1", "写日记").Return(&session.FinalizeResult{Diary: "日记"}, nil).Once()
	svc.On("Finalize", mock.Anything, "s2", "").Return(nil, serrors.LLMUnavailable("diary generation failed", nil)).Once()
	svc.On("Prepare", mock.Anything, "s1").Return(nil, serrors.NoAntecedent()).Once()
	svc.On("Prepare", mock.Anything, "s3").Return(&session.PrepareResult{ActivityJSON: `{"a":1}`}, nil).Once()
	svc.On("EnsureOutputs", mock.Anything, "s1").Return(&session.Outputs{HasDiary: true}, nil).Once()

	rec := do(e, http.MethodPost, "/api/v1/sessions/s1/finalize", `{"assignment":"写日记"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "日记", decode(t, rec)["diary"])

	rec = do(e, http.MethodPost, "/api/v1/sessions/s2/finalize", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/sessions/s1/prepare", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_ANTECEDENT", decode(t, rec)["code"])

	rec = do(e, http.MethodPost, "/api/v1/sessions/s3/prepare", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"a":1}`, decode(t, rec)["activityJson"])

	rec = do(e, http.MethodPost, "/api/v1/sessions/s1/ensure-outputs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"hasDiary": true, "hasActivity": false, "hasLtm": false}, decode(t, rec))
}

func TestGetMetricsOverview(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/api/v1/system/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "success_rate")
}

func TestRequestIDPropagates(t *testing.T) {
	e, svc := newTestServer(t)
	svc.On("EnsureOutputs", mock.MatchedBy(func(ctx context.Context) bool {
		return observability.RequestIDFromContext(ctx) != ""
	}), "s1").Return(&session.Outputs{}, nil).Once()

	rec := do(e, http.MethodPost, "/api/v1/sessions/s1/ensure-outputs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}
