// Package server wires the store, the generation pipeline and the HTTP API into one process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/internal/profile"
	"github.com/hrygo/counselsim/plugin/ai"
	"github.com/hrygo/counselsim/plugin/ai/chain"
	"github.com/hrygo/counselsim/plugin/ai/persona"
	"github.com/hrygo/counselsim/plugin/ai/prompt"
	"github.com/hrygo/counselsim/plugin/ai/retry"
	"github.com/hrygo/counselsim/plugin/ai/timeout"
	apiv1 "github.com/hrygo/counselsim/server/router/api/v1"
	"github.com/hrygo/counselsim/server/runner/background"
	"github.com/hrygo/counselsim/server/runner/compensation"
	"github.com/hrygo/counselsim/server/service/session"
	"github.com/hrygo/counselsim/store"
)

// Pipeline bundles the session service with the runner executing its detached stages.
type Pipeline struct {
	Service *session.Service
	Runner  *background.Runner
}

// NewPipeline builds the session service from the profile.
func NewPipeline(profile *profile.Profile, store *store.Store) (*Pipeline, error) {
	llm, err := ai.NewLLMService(ai.NewLLMConfigFromProfile(profile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm service")
	}
	return NewPipelineWithLLM(profile, store, llm), nil
}

// NewPipelineWithLLM builds the session service around an existing LLM service.
func NewPipelineWithLLM(profile *profile.Profile, store *store.Store, llm ai.LLMService) *Pipeline {
	loader := prompt.NewLoader(profile.PromptDir)
	generator := chain.NewGenerator(llm, loader,
		retry.WithMaxAttempts(profile.RetryMaxAttempts),
		retry.WithBaseDelay(profile.RetryBaseDelay),
	)
	runner := background.NewRunner(profile.BackgroundConcurrency, profile.BackgroundTimeout)
	return &Pipeline{
		Service: session.NewService(store, llm, generator, persona.NewBuilder(loader), runner),
		Runner:  runner,
	}
}

type Server struct {
	Profile  *profile.Profile
	Store    *store.Store
	Pipeline *Pipeline

	echoServer   *echo.Echo
	runnerCancel context.CancelFunc
}

func NewServer(_ context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	pipeline, err := NewPipeline(profile, store)
	if err != nil {
		return nil, err
	}
	return newServer(profile, store, pipeline), nil
}

func newServer(profile *profile.Profile, store *store.Store, pipeline *Pipeline) *Server {
	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())

	s := &Server{
		Profile:    profile,
		Store:      store,
		Pipeline:   pipeline,
		echoServer: echoServer,
	}

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	apiv1.NewAPIV1Service(profile, pipeline.Service).RegisterRoutes(echoServer)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	s.StartBackgroundRunners(ctx)

	go func() {
		if err := s.echoServer.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, timeout.ShutdownGracePeriod)
	defer cancel()

	slog.Info("server shutting down")

	if s.runnerCancel != nil {
		s.runnerCancel()
	}

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	// Detached pipeline stages get the rest of the grace period.
	if err := s.Pipeline.Runner.Shutdown(ctx); err != nil {
		slog.Warn("background stages interrupted", slog.String("error", err.Error()))
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}

	slog.Info("server stopped properly")
}

// StartBackgroundRunners starts the periodic compensation sweep when it is enabled.
func (s *Server) StartBackgroundRunners(ctx context.Context) {
	if s.Profile.CompensationInterval <= 0 {
		return
	}
	runnerCtx, runnerCancel := context.WithCancel(ctx)
	s.runnerCancel = runnerCancel

	runner := compensation.NewRunner(s.Store, s.Pipeline.Service, s.Profile.CompensationInterval)
	go runner.Run(runnerCtx)
	slog.Info("compensation runner started", "interval", s.Profile.CompensationInterval.String())
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}
