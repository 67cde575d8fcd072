package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/hrygo/counselsim/server/internal/errors"
	"github.com/hrygo/counselsim/store"
	teststore "github.com/hrygo/counselsim/store/test"
)

var workAnxietyTranscript = []store.ChatTurn{
	{Speaker: store.SpeakerUser, Content: "这周工作怎么样？"},
	{Speaker: store.SpeakerAI, Content: "一直在加班，很焦虑。"},
	{Speaker: store.SpeakerUser, Content: "焦虑的时候你会想些什么？"},
	{Speaker: store.SpeakerAI, Content: "总觉得自己做不好会被开除。"},
}

// finalizedSession inserts a closed session that already has a diary, bypassing the pipeline.
func finalizedSession(ctx context.Context, t *testing.T, env *testEnv, number int32, diary string, homework ...store.HomeworkItem) *store.Session {
	t.Helper()
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, number, workAnxietyTranscript...)
	require.NoError(t, err)
	now := time.Now().Unix()
	update := &store.UpdateSession{
		ID:           session.ID,
		SessionDiary: &diary,
		FinalizedTs:  &now,
		UpdatedTs:    now,
	}
	if len(homework) > 0 {
		update.Homework = &homework
	}
	session, err = env.store.UpdateSession(ctx, update)
	require.NoError(t, err)
	return session
}

func (env *testEnv) reloadInstance(ctx context.Context, t *testing.T) *store.VisitorInstance {
	t.Helper()
	instance, err := env.store.GetVisitorInstance(ctx, &store.FindVisitorInstance{ID: &env.instance.ID})
	require.NoError(t, err)
	return instance
}

func (env *testEnv) versionCount(ctx context.Context, t *testing.T) int {
	t.Helper()
	count, err := env.store.CountLongTermMemoryVersions(ctx, env.instance.ID, 0)
	require.NoError(t, err)
	return count
}

func TestFinalize_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)

	result, err := env.svc.Finalize(ctx, session.ID, "记录焦虑时的自动思维")
	require.NoError(t, err)
	assert.Equal(t, "今天和咨询师聊了工作上的焦虑。", result.Diary)

	stored, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinalized())
	require.NotNil(t, stored.SessionDiary)
	assert.Equal(t, result.Diary, *stored.SessionDiary)
	assert.Equal(t, []store.HomeworkItem{{Title: "记录焦虑时的自动思维", Status: store.HomeworkAssigned}}, stored.Homework)

	diaryPrompt := env.llm.lastPrompt(kindDiary)
	assert.Contains(t, diaryPrompt, "我是一名焦虑的大学生。")
	assert.Contains(t, diaryPrompt, "user: 这周工作怎么样？\nai: 一直在加班，很焦虑。")

	env.runner.Wait()

	stored, err = env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PreSessionActivity)
	var details map[string]any
	require.NoError(t, json.Unmarshal(stored.PreSessionActivity.Details, &details))
	assert.Equal(t, "加班的一周", details["summary"])
	assert.Contains(t, env.llm.lastPrompt(kindActivity), "记录焦虑时的自动思维")

	instance := env.reloadInstance(ctx, t)
	for _, key := range store.LongTermMemoryFields {
		assert.NotEqual(t, store.LongTermMemoryNone, instance.LongTermMemory.Field(key), key)
	}
	assert.Equal(t, "工作焦虑", instance.LongTermMemory.ThisWeekFocus)
	assert.Equal(t, 1, env.versionCount(ctx, t))

	ltmPrompt := env.llm.lastPrompt(kindLTM)
	assert.Contains(t, ltmPrompt, result.Diary)
	assert.Contains(t, ltmPrompt, `"summary":"加班的一周"`)
	assert.Contains(t, ltmPrompt, `"thisweek_focus":"无"`)
}

func TestFinalize_ExistingDiaryIsKept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session := finalizedSession(ctx, t, env, 1, "原来的日记")

	result, err := env.svc.Finalize(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "原来的日记", result.Diary)
	env.runner.Wait()
	assert.Zero(t, env.llm.count(kindDiary))
	assert.Zero(t, env.llm.count(kindActivity))
}

func TestFinalize_DiaryHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	finalizedSession(ctx, t, env, 1, "第一次日记")
	finalizedSession(ctx, t, env, 2, "第二次日记")
	current, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 3)
	require.NoError(t, err)

	_, err = env.svc.Finalize(ctx, current.ID, "")
	require.NoError(t, err)
	env.runner.Wait()

	assert.Contains(t, env.llm.lastPrompt(kindDiary), "session 1: 第一次日记\nsession 2: 第二次日记")

	stored, err := env.svc.GetSession(ctx, current.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Homework)
}

func TestFinalize_DiaryFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	env.llm.set(kindDiary, "", errors.New("429 rate limited"))

	_, err = env.svc.Finalize(ctx, session.ID, "")
	assert.True(t, serrors.IsCode(err, serrors.ErrCodeLLMUnavailable))
	assert.Equal(t, 3, env.llm.count(kindDiary))

	stored, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsFinalized())
	assert.Nil(t, stored.SessionDiary)
}

func TestFinalize_BackgroundFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	env.llm.set(kindActivity, "", errors.New("503"))

	result, err := env.svc.Finalize(ctx, session.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Diary)
	env.runner.Wait()

	stored, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PreSessionActivity)
	assert.Equal(t, store.NewLongTermMemory(), env.reloadInstance(ctx, t).LongTermMemory)
	assert.Zero(t, env.versionCount(ctx, t))

	// The first session has no antecedent, so compensation can only report the gap.
	outputs, err := env.svc.EnsureOutputs(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, &Outputs{HasDiary: true, HasActivity: false, HasLtm: false}, outputs)
}

func TestFinalize_ActivityWithoutTag(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	env.llm.set(kindActivity, "这一周过得很平淡", nil)

	_, err = env.svc.Finalize(ctx, session.ID, "")
	require.NoError(t, err)
	env.runner.Wait()
	assert.Equal(t, 3, env.llm.count(kindActivity))

	stored, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PreSessionActivity)
	var details string
	require.NoError(t, json.Unmarshal(stored.PreSessionActivity.Details, &details))
	assert.Equal(t, "这一周过得很平淡", details)
	assert.Equal(t, 1, env.versionCount(ctx, t))
}

func TestPrepare_NoAntecedent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := env.svc.StartSession(ctx, env.instance.ID, nil)
	require.NoError(t, err)

	_, err = env.svc.Prepare(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, serrors.IsCode(err, serrors.ErrCodeNoAntecedent))
	assert.Contains(t, err.Error(), "No previous completed session found to generate activity from")
	assert.Zero(t, env.llm.count(kindActivity))
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	previous := finalizedSession(ctx, t, env, 1, "上周的日记", store.HomeworkItem{Title: "每天散步", Status: store.HomeworkAssigned})
	// An open session with a diary is not an antecedent.
	open, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 2)
	require.NoError(t, err)
	diary := "未结束"
	_, err = env.store.UpdateSession(ctx, &store.UpdateSession{ID: open.ID, SessionDiary: &diary, UpdatedTs: time.Now().Unix()})
	require.NoError(t, err)
	current, err := env.svc.StartSession(ctx, env.instance.ID, nil)
	require.NoError(t, err)

	result, err := env.svc.Prepare(ctx, current.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"加班的一周","days":[{"day":1,"events":["加班"]}]}`, result.ActivityJSON)

	assert.Contains(t, env.llm.lastPrompt(kindActivity), "每天散步")
	assert.Contains(t, env.llm.lastPrompt(kindActivity), "user: 这周工作怎么样？")
	assert.Contains(t, env.llm.lastPrompt(kindLTM), "上周的日记")

	stored, err := env.svc.GetSession(ctx, current.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PreSessionActivity)
	antecedent, err := env.svc.GetSession(ctx, previous.ID)
	require.NoError(t, err)
	assert.Nil(t, antecedent.PreSessionActivity)

	assert.Equal(t, "工作焦虑", env.reloadInstance(ctx, t).LongTermMemory.ThisWeekFocus)
	assert.Equal(t, 1, env.versionCount(ctx, t))
}

func TestPrepare_PartialMemoryKeepsPreviousFields(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	seeded := store.LongTermMemory{
		ThisWeekFocus:       "旧焦点",
		DiscussedTopics:     "旧话题",
		Milestones:          "旧里程碑",
		RecurringPatterns:   "旧模式",
		CoreBeliefEvolution: "旧信念",
	}
	_, err := env.store.UpdateVisitorInstance(ctx, &store.UpdateVisitorInstance{ID: env.instance.ID, LongTermMemory: &seeded, UpdatedTs: time.Now().Unix()})
	require.NoError(t, err)
	finalizedSession(ctx, t, env, 1, "日记")
	current, err := env.svc.StartSession(ctx, env.instance.ID, nil)
	require.NoError(t, err)
	env.llm.set(kindLTM, "<longterm_memory><milestones>新里程碑</milestones></longterm_memory>", nil)

	_, err = env.svc.Prepare(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, env.llm.count(kindLTM))

	got := env.reloadInstance(ctx, t).LongTermMemory
	assert.Equal(t, "新里程碑", got.Milestones)
	assert.Equal(t, "旧焦点", got.ThisWeekFocus)
	assert.Equal(t, "旧信念", got.CoreBeliefEvolution)
}

func TestEnsureOutputs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	finalizedSession(ctx, t, env, 1, "第一次日记")
	current, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 2, workAnxietyTranscript...)
	require.NoError(t, err)

	outputs, err := env.svc.EnsureOutputs(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, &Outputs{HasDiary: true, HasActivity: true, HasLtm: true}, outputs)
	assert.Equal(t, 1, env.llm.count(kindDiary))
	assert.Equal(t, 1, env.llm.count(kindActivity))
	assert.Equal(t, 1, env.versionCount(ctx, t))

	stored, err := env.svc.GetSession(ctx, current.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinalized())
	diary := *stored.SessionDiary

	again, err := env.svc.EnsureOutputs(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, outputs, again)
	assert.Equal(t, 1, env.llm.count(kindDiary))
	assert.Equal(t, 1, env.llm.count(kindActivity))
	assert.Equal(t, 1, env.versionCount(ctx, t))

	stored, err = env.svc.GetSession(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, diary, *stored.SessionDiary)
}

func TestEnsureOutputs_DiaryPresentActivityMissing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	finalizedSession(ctx, t, env, 1, "第一次日记")
	current := finalizedSession(ctx, t, env, 2, "第二次日记")

	outputs, err := env.svc.EnsureOutputs(ctx, current.ID)
	require.NoError(t, err)
	assert.True(t, outputs.HasActivity)
	assert.Zero(t, env.llm.count(kindDiary))
	assert.Equal(t, 1, env.llm.count(kindActivity))

	stored, err := env.svc.GetSession(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, "第二次日记", *stored.SessionDiary)
	// The antecedent of session 2 is session 1.
	assert.Contains(t, env.llm.lastPrompt(kindLTM), "第一次日记")
}

func TestEnsureOutputs_NotFound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	_, err := env.svc.EnsureOutputs(ctx, "missing")
	assert.True(t, serrors.IsCode(err, serrors.ErrCodeNotFound))
}

func TestFinalize_TurnAddedDuringDiaryIsIncluded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	entered, release := env.llm.hold(kindDiary)
	defer release()

	finalized := make(chan error, 1)
	go func() {
		_, err := env.svc.Finalize(ctx, session.ID, "")
		finalized <- err
	}()
	<-entered
	_, err = env.svc.AppendChatTurn(ctx, session.ID, store.SpeakerUser, "最后再说一句")
	require.NoError(t, err)
	release()
	require.NoError(t, <-finalized)
	env.runner.Wait()

	assert.Equal(t, 2, env.llm.count(kindDiary))
	assert.Contains(t, env.llm.lastPrompt(kindDiary), "user: 最后再说一句")
	stored, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinalized())
	assert.Len(t, stored.ChatHistory, len(workAnxietyTranscript)+1)
}

func TestFinalize_ConcurrentCallsStoreOneDiary(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	_, release := env.llm.hold(kindDiary)
	defer release()

	const callers = 2
	results := make(chan *FinalizeResult, callers)
	for i := 0; i < callers; i++ {
		go func() {
			result, err := env.svc.Finalize(ctx, session.ID, "")
			assert.NoError(t, err)
			results <- result
		}()
	}
	require.Eventually(t, func() bool { return env.llm.count(kindDiary) == callers }, 5*time.Second, 5*time.Millisecond)
	release()
	for i := 0; i < callers; i++ {
		result := <-results
		require.NotNil(t, result)
		assert.Equal(t, "今天和咨询师聊了工作上的焦虑。", result.Diary)
	}
	env.runner.Wait()

	assert.Equal(t, 1, env.llm.count(kindActivity))
	assert.Equal(t, 1, env.versionCount(ctx, t))
}

func TestFinalize_BackgroundReadsLatestMemory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	session, err := teststore.CreateTestingSession(ctx, env.store, env.instance.ID, 1, workAnxietyTranscript...)
	require.NoError(t, err)
	entered, release := env.llm.hold(kindActivity)
	defer release()

	_, err = env.svc.Finalize(ctx, session.ID, "")
	require.NoError(t, err)
	<-entered

	revised := store.NewLongTermMemory()
	revised.ThisWeekFocus = "期间更新的焦点"
	_, err = env.store.UpdateVisitorInstance(ctx, &store.UpdateVisitorInstance{ID: env.instance.ID, LongTermMemory: &revised, UpdatedTs: time.Now().Unix()})
	require.NoError(t, err)
	release()
	env.runner.Wait()

	assert.Contains(t, env.llm.lastPrompt(kindLTM), `"thisweek_focus":"期间更新的焦点"`)
}

func TestEnsureOutputs_ConcurrentCallsShareOneRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	finalizedSession(ctx, t, env, 1, "第一次日记")
	current := finalizedSession(ctx, t, env, 2, "第二次日记")
	entered, release := env.llm.hold(kindActivity)
	defer release()

	const callers = 5
	var wg sync.WaitGroup
	outputs := make(chan *Outputs, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.svc.EnsureOutputs(ctx, current.ID)
			assert.NoError(t, err)
			outputs <- got
		}()
	}
	<-entered
	release()
	wg.Wait()
	close(outputs)

	for got := range outputs {
		require.NotNil(t, got)
		assert.True(t, got.HasActivity)
	}
	assert.Equal(t, 1, env.llm.count(kindActivity))
	assert.Equal(t, 1, env.versionCount(ctx, t))
}

func TestEnsureOutputs_CallerCancellationDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(ctx, t)
	finalizedSession(ctx, t, env, 1, "第一次日记")
	current := finalizedSession(ctx, t, env, 2, "第二次日记")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	outputs, err := env.svc.EnsureOutputs(cancelled, current.ID)
	require.NoError(t, err)
	assert.True(t, outputs.HasActivity)
}
