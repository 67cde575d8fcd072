package v1

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/counselsim/store"
)

type startSessionRequest struct {
	VisitorInstanceID string `json:"visitorInstanceId"`
	SessionNumber     *int32 `json:"sessionNumber"`
	// Auto defaults to true; set it to false to use SessionNumber.
	Auto *bool `json:"auto"`
}

type startSessionResponse struct {
	SessionID     string `json:"sessionId"`
	SessionNumber int32  `json:"sessionNumber"`
}

type lastSessionResponse struct {
	SessionID     string           `json:"sessionId"`
	SessionNumber int32            `json:"sessionNumber"`
	ChatHistory   []store.ChatTurn `json:"chatHistory"`
}

type sessionDetail struct {
	SessionID          string                    `json:"sessionId"`
	SessionNumber      int32                     `json:"sessionNumber"`
	ChatHistory        []store.ChatTurn          `json:"chatHistory"`
	SessionDiary       *string                   `json:"sessionDiary"`
	SessionDiaryHTML   string                    `json:"sessionDiaryHtml,omitempty"`
	PreSessionActivity *store.PreSessionActivity `json:"preSessionActivity"`
	Homework           []store.HomeworkItem      `json:"homework"`
	FinalizedTs        *int64                    `json:"finalizedTs"`
	CreatedTs          int64                     `json:"createdTs"`
}

type appendChatTurnRequest struct {
	Speaker store.Speaker `json:"speaker"`
	Content string        `json:"content"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type finalizeRequest struct {
	Assignment string `json:"assignment"`
}

// StartSession opens a session.
// POST /api/v1/sessions/start
func (s *APIV1Service) StartSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.VisitorInstanceID == "" {
		return badRequest(c, "visitorInstanceId is required")
	}

	var number *int32
	if req.Auto != nil && !*req.Auto {
		if req.SessionNumber == nil {
			return badRequest(c, "sessionNumber is required when auto is false")
		}
		number = req.SessionNumber
	}
	created, err := s.SessionService.StartSession(c.Request().Context(), req.VisitorInstanceID, number)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, startSessionResponse{SessionID: created.ID, SessionNumber: created.SessionNumber})
}

// GetLastSession returns the newest session of an instance, or null.
// GET /api/v1/sessions/last?visitorInstanceId=
func (s *APIV1Service) GetLastSession(c echo.Context) error {
	instanceID := c.QueryParam("visitorInstanceId")
	if instanceID == "" {
		return badRequest(c, "visitorInstanceId is required")
	}
	last, err := s.SessionService.LastSession(c.Request().Context(), instanceID)
	if err != nil {
		return writeError(c, err)
	}
	if last == nil {
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, lastSessionResponse{
		SessionID:     last.ID,
		SessionNumber: last.SessionNumber,
		ChatHistory:   last.ChatHistory,
	})
}

// ListSessions returns one page of session history.
// GET /api/v1/sessions/list?visitorInstanceId=&page=&pageSize=
func (s *APIV1Service) ListSessions(c echo.Context) error {
	instanceID := c.QueryParam("visitorInstanceId")
	if instanceID == "" {
		return badRequest(c, "visitorInstanceId is required")
	}
	page, err := intQueryParam(c, "page", 1)
	if err != nil {
		return badRequest(c, "page must be a number")
	}
	pageSize, err := intQueryParam(c, "pageSize", 20)
	if err != nil {
		return badRequest(c, "pageSize must be a number")
	}

	result, err := s.SessionService.ListSessions(c.Request().Context(), instanceID, page, pageSize)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func intQueryParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// GetSession returns the full session, with the diary rendered to HTML.
// GET /api/v1/sessions/:sessionId
func (s *APIV1Service) GetSession(c echo.Context) error {
	found, err := s.SessionService.GetSession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return writeError(c, err)
	}

	detail := sessionDetail{
		SessionID:          found.ID,
		SessionNumber:      found.SessionNumber,
		ChatHistory:        found.ChatHistory,
		SessionDiary:       found.SessionDiary,
		PreSessionActivity: found.PreSessionActivity,
		Homework:           found.Homework,
		FinalizedTs:        found.FinalizedTs,
		CreatedTs:          found.CreatedTs,
	}
	if found.SessionDiary != nil {
		rendered, err := s.renderMarkdown(*found.SessionDiary)
		if err != nil {
			c.Logger().Warnf("failed to render diary of session %s: %v", found.ID, err)
		}
		detail.SessionDiaryHTML = rendered
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *APIV1Service) renderMarkdown(source string) (string, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AppendChatTurn records one transcript line.
// POST /api/v1/sessions/:sessionId/messages
func (s *APIV1Service) AppendChatTurn(c echo.Context) error {
	var req appendChatTurnRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if _, err := s.SessionService.AppendChatTurn(c.Request().Context(), c.Param("sessionId"), req.Speaker, req.Content); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Chat sends a trainee message to the visitor and returns the reply.
// POST /api/v1/sessions/:sessionId/chat
func (s *APIV1Service) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	reply, err := s.SessionService.Chat(c.Request().Context(), c.Param("sessionId"), req.Message)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reply": reply})
}

// FinalizeSession closes the session and returns its diary.
// POST /api/v1/sessions/:sessionId/finalize
func (s *APIV1Service) FinalizeSession(c echo.Context) error {
	var req finalizeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	result, err := s.SessionService.Finalize(c.Request().Context(), c.Param("sessionId"), req.Assignment)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// PrepareSession generates the activity bridging the previous session to this one.
// POST /api/v1/sessions/:sessionId/prepare
func (s *APIV1Service) PrepareSession(c echo.Context) error {
	result, err := s.SessionService.Prepare(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// EnsureOutputs repairs missing pipeline outputs.
// POST /api/v1/sessions/:sessionId/ensure-outputs
func (s *APIV1Service) EnsureOutputs(c echo.Context) error {
	result, err := s.SessionService.EnsureOutputs(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
