package compensation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/counselsim/server/service/session"
	"github.com/hrygo/counselsim/store"
	teststore "github.com/hrygo/counselsim/store/test"
)

type mockLister struct {
	sessions []*store.Session
	err      error
	find     *store.FindSession
}

func (m *mockLister) ListSessions(_ context.Context, find *store.FindSession) ([]*store.Session, error) {
	m.find = find
	return m.sessions, m.err
}

type mockEnsurer struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	missing map[string]bool
}

func (m *mockEnsurer) EnsureOutputs(_ context.Context, sessionID string) (*session.Outputs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sessionID)
	if m.fail[sessionID] {
		return nil, errors.New("llm down")
	}
	return &session.Outputs{HasDiary: true, HasActivity: !m.missing[sessionID], HasLtm: true}, nil
}

func TestRunOnce(t *testing.T) {
	lister := &mockLister{sessions: []*store.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	ensurer := &mockEnsurer{
		fail:    map[string]bool{"b": true},
		missing: map[string]bool{"c": true},
	}
	r := NewRunner(lister, ensurer, time.Minute)

	repaired := r.RunOnce(context.Background())
	assert.Equal(t, 1, repaired)
	assert.Equal(t, []string{"a", "b", "c"}, ensurer.calls)

	require.NotNil(t, lister.find)
	assert.True(t, lister.find.FinalizedOnly)
	assert.True(t, lister.find.MissingActivity)
	assert.True(t, lister.find.HasAntecedent)
	assert.Equal(t, DefaultBatchSize, lister.find.Limit)
}

func TestRunOnce_ListError(t *testing.T) {
	ensurer := &mockEnsurer{}
	r := NewRunner(&mockLister{err: errors.New("db closed")}, ensurer, time.Minute)
	assert.Zero(t, r.RunOnce(context.Background()))
	assert.Empty(t, ensurer.calls)
}

func TestRunOnce_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ensurer := &mockEnsurer{}
	r := NewRunner(&mockLister{sessions: []*store.Session{{ID: "a"}}}, ensurer, time.Minute)
	assert.Zero(t, r.RunOnce(ctx))
	assert.Empty(t, ensurer.calls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ensurer := &mockEnsurer{}
	r := NewRunner(&mockLister{}, ensurer, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunOnce_SkipsSessionsWithoutAntecedent(t *testing.T) {
	ctx := context.Background()
	ts := teststore.NewTestingStore(ctx, t)
	now := time.Now().Unix()
	diary := "日记"
	closeSession := func(instanceID string, number int32) *store.Session {
		created, err := teststore.CreateTestingSession(ctx, ts, instanceID, number)
		require.NoError(t, err)
		closed, err := ts.UpdateSession(ctx, &store.UpdateSession{ID: created.ID, SessionDiary: &diary, FinalizedTs: &now, UpdatedTs: now})
		require.NoError(t, err)
		return closed
	}

	// A full batch of first sessions that can never get an activity.
	for i := 0; i < DefaultBatchSize; i++ {
		_, instance, err := teststore.CreateTestingVisitor(ctx, ts)
		require.NoError(t, err)
		closeSession(instance.ID, 1)
	}
	_, instance, err := teststore.CreateTestingVisitor(ctx, ts)
	require.NoError(t, err)
	first := closeSession(instance.ID, 1)
	second := closeSession(instance.ID, 2)

	ensurer := &mockEnsurer{}
	r := NewRunner(ts, ensurer, time.Minute)
	assert.Equal(t, 2, r.RunOnce(ctx))
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ensurer.calls)
}
