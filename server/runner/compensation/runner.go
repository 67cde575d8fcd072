// Package compensation periodically repairs finalized sessions whose background stage never completed.
package compensation

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/counselsim/server/service/session"
	"github.com/hrygo/counselsim/store"
)

const DefaultBatchSize = 16

// SessionLister lists sessions for the sweep.
type SessionLister interface {
	ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error)
}

// Ensurer repairs the outputs of one session.
type Ensurer interface {
	EnsureOutputs(ctx context.Context, sessionID string) (*session.Outputs, error)
}

type Runner struct {
	store     SessionLister
	ensurer   Ensurer
	interval  time.Duration
	batchSize int
}

// NewRunner creates a compensation runner that sweeps every interval.
func NewRunner(store SessionLister, ensurer Ensurer, interval time.Duration) *Runner {
	return &Runner{
		store:     store,
		ensurer:   ensurer,
		interval:  interval,
		batchSize: DefaultBatchSize,
	}
}

// Run starts the sweep loop and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	// Sweep once on startup
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			slog.Info("compensation runner stopped")
			return
		}
	}
}

// RunOnce sweeps one batch and returns the number of sessions that now have an activity.
func (r *Runner) RunOnce(ctx context.Context) int {
	sessions, err := r.store.ListSessions(ctx, &store.FindSession{
		FinalizedOnly:   true,
		MissingActivity: true,
		// Without another finalized session with a diary there is nothing to roll forward from.
		HasAntecedent: true,
		Ascending:     true,
		Limit:         r.batchSize,
	})
	if err != nil {
		slog.Error("failed to find sessions missing activity", "error", err)
		return 0
	}
	if len(sessions) == 0 {
		return 0
	}

	slog.Info("compensating sessions", "count", len(sessions))
	repaired := 0
	for _, s := range sessions {
		select {
		case <-ctx.Done():
			slog.Info("compensation cancelled", "processed", repaired, "total", len(sessions))
			return repaired
		default:
		}

		outputs, err := r.ensurer.EnsureOutputs(ctx, s.ID)
		if err != nil {
			slog.Error("failed to ensure session outputs", "session_id", s.ID, "error", err)
			continue
		}
		if outputs.HasActivity {
			repaired++
		}
	}
	return repaired
}
