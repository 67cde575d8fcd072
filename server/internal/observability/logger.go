package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// LogFieldRequestID is the field name for request ID.
	LogFieldRequestID = "request_id"
	// LogFieldSessionID is the field name for session ID.
	LogFieldSessionID = "session_id"
	// LogFieldVisitorInstanceID is the field name for visitor instance ID.
	LogFieldVisitorInstanceID = "visitor_instance_id"
	// LogFieldStage is the field name for the pipeline stage.
	LogFieldStage = "stage"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration = "duration_ms"
	// LogFieldErrorCode is the field name for error code.
	LogFieldErrorCode = "error_code"
	// LogFieldAttempts is the field name for generation attempts.
	LogFieldAttempts = "attempts"
)

// Pipeline stages.
const (
	StageDiary      = "diary"
	StageBackground = "background"
	StagePrepare    = "prepare"
	StageEnsure     = "ensure_outputs"
	StageChat       = "chat"
)

// StageContext carries the identity of one pipeline stage run for structured logging.
type StageContext struct {
	RequestID         string
	SessionID         string
	VisitorInstanceID string
	Stage             string
	StartTime         time.Time
	Logger            *slog.Logger
}

// NewStageContext creates a stage context. The request ID is inherited from ctx when present.
func NewStageContext(ctx context.Context, logger *slog.Logger, stage, sessionID string) *StageContext {
	if logger == nil {
		logger = slog.Default()
	}
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = generateRequestID()
	}
	return &StageContext{
		RequestID: requestID,
		SessionID: sessionID,
		Stage:     stage,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// WithVisitorInstance records the owning instance once it is known.
func (s *StageContext) WithVisitorInstance(id string) *StageContext {
	s.VisitorInstanceID = id
	return s
}

// Info logs an info message.
func (s *StageContext) Info(msg string, attrs ...slog.Attr) {
	s.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, s.baseAttrsAppended(attrs...)...)
}

// Debug logs a debug message.
func (s *StageContext) Debug(msg string, attrs ...slog.Attr) {
	s.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, s.baseAttrsAppended(attrs...)...)
}

// Warn logs a warning message.
func (s *StageContext) Warn(msg string, attrs ...slog.Attr) {
	s.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, s.baseAttrsAppended(attrs...)...)
}

// Error logs an error message with the error.
func (s *StageContext) Error(msg string, err error, attrs ...slog.Attr) {
	allAttrs := append(attrs, slog.String("error", err.Error()))
	s.Logger.LogAttrs(context.Background(), slog.LevelError, msg, s.baseAttrsAppended(allAttrs...)...)
}

// Done logs the stage completion with its duration and records it in the global metrics.
// A nil err marks success.
func (s *StageContext) Done(err error, attrs ...slog.Attr) {
	duration := s.Duration()
	globalMetrics.RecordStage(s.Stage, duration, err)
	attrs = append(attrs, slog.Int64(LogFieldDuration, duration.Milliseconds()))
	if err != nil {
		s.Error("stage failed", err, attrs...)
		return
	}
	s.Info("stage completed", attrs...)
}

// Duration returns the elapsed time since the stage started.
func (s *StageContext) Duration() time.Duration {
	return time.Since(s.StartTime)
}

func (s *StageContext) baseAttrsAppended(attrs ...slog.Attr) []slog.Attr {
	base := []slog.Attr{
		slog.String(LogFieldRequestID, s.RequestID),
		slog.String(LogFieldStage, s.Stage),
		slog.String(LogFieldSessionID, s.SessionID),
	}
	if s.VisitorInstanceID != "" {
		base = append(base, slog.String(LogFieldVisitorInstanceID, s.VisitorInstanceID))
	}
	return append(base, attrs...)
}

// generateRequestID generates a unique request ID using full UUID.
func generateRequestID() string {
	return uuid.New().String()
}

type requestIDKey struct{}

// WithRequestID stores the request ID so stages started from this context share it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}
