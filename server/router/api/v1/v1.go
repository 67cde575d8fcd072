package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/hrygo/counselsim/internal/profile"
	serrors "github.com/hrygo/counselsim/server/internal/errors"
	"github.com/hrygo/counselsim/server/internal/observability"
	ratelimit "github.com/hrygo/counselsim/server/middleware"
	"github.com/hrygo/counselsim/server/service/session"
	"github.com/hrygo/counselsim/store"
)

// SessionService is the session surface the HTTP API exposes.
type SessionService interface {
	StartSession(ctx context.Context, instanceID string, number *int32) (*store.Session, error)
	AppendChatTurn(ctx context.Context, sessionID string, speaker store.Speaker, content string) (*store.Session, error)
	Chat(ctx context.Context, sessionID, message string) (*store.ChatTurn, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	LastSession(ctx context.Context, instanceID string) (*store.Session, error)
	ListSessions(ctx context.Context, instanceID string, page, pageSize int) (*session.Page, error)
	Finalize(ctx context.Context, sessionID, assignment string) (*session.FinalizeResult, error)
	Prepare(ctx context.Context, sessionID string) (*session.PrepareResult, error)
	EnsureOutputs(ctx context.Context, sessionID string) (*session.Outputs, error)
}

type APIV1Service struct {
	Profile        *profile.Profile
	SessionService SessionService

	markdown    goldmark.Markdown
	rateLimiter *ratelimit.RateLimiter
}

func NewAPIV1Service(profile *profile.Profile, sessionService SessionService) *APIV1Service {
	return &APIV1Service{
		Profile:        profile,
		SessionService: sessionService,
		markdown: goldmark.New(
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		rateLimiter: ratelimit.NewRateLimiter(profile.RequestsPerSecond, profile.RequestBurst),
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	group := echoServer.Group("/api/v1",
		middleware.CORS(),
		middleware.RequestID(),
		requestIDContext,
		s.rateLimiter.Middleware(),
	)

	group.POST("/sessions/start", s.StartSession)
	group.GET("/sessions/last", s.GetLastSession)
	group.GET("/sessions/list", s.ListSessions)
	group.GET("/sessions/:sessionId", s.GetSession)
	group.POST("/sessions/:sessionId/messages", s.AppendChatTurn)
	group.POST("/sessions/:sessionId/chat", s.Chat)
	group.POST("/sessions/:sessionId/finalize", s.FinalizeSession)
	group.POST("/sessions/:sessionId/prepare", s.PrepareSession)
	group.POST("/sessions/:sessionId/ensure-outputs", s.EnsureOutputs)

	group.GET("/system/metrics", s.GetMetricsOverview)
}

// requestIDContext copies the request ID assigned by echo into the request context
// so pipeline stages log it.
func requestIDContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(observability.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

type errorResponse struct {
	Code    serrors.ErrorCode `json:"code"`
	Message string            `json:"message"`
}

// writeError answers with the status mapped from the error code.
func writeError(c echo.Context, err error) error {
	code := serrors.GetCodeFromError(err, serrors.ErrCodeInternal)
	message := err.Error()
	if code == serrors.ErrCodeInternal {
		c.Logger().Error(err)
		message = "internal error"
	}
	return c.JSON(serrors.HTTPStatus(err), errorResponse{Code: code, Message: message})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Code: serrors.ErrCodeInvalidArgument, Message: message})
}
