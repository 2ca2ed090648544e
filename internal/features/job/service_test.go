package job

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	sync_feature "go-crmsync/internal/features/sync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MockRunner struct {
	mu      gosync.Mutex
	Calls   []sync_feature.Options
	Results func(attempt int, opts sync_feature.Options) (*sync_feature.Results, error)
	// Block, when set, is waited on before returning
	Block   chan struct{}
	Started chan struct{}
}

func (m *MockRunner) Run(ctx context.Context, action models.SyncAction, conversationID string, opts sync_feature.Options) (*sync_feature.Results, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, opts)
	n := len(m.Calls)
	m.mu.Unlock()

	if m.Started != nil {
		m.Started <- struct{}{}
	}
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Results == nil {
		return results(), nil
	}
	return m.Results(n, opts)
}

func (m *MockRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type MockConversations struct {
	Conversation *conversation.Conversation
}

func (m *MockConversations) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	return m.Conversation, nil
}

type MockPolicies struct {
	Policy integration.RetryPolicy
}

func (m *MockPolicies) Get(ctx context.Context, id string) (*integration.Integration, error) {
	return &integration.Integration{}, nil
}
func (m *MockPolicies) RetryPolicy(in *integration.Integration) integration.RetryPolicy {
	return m.Policy
}

type MockFailureHook struct {
	mu     gosync.Mutex
	Errors []error
}

func (m *MockFailureHook) FlagSyncFailure(ctx context.Context, conversationID string, action models.SyncAction, syncErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, syncErr)
	return nil
}

func results(rs ...sync_feature.ProviderResult) *sync_feature.Results {
	out := &sync_feature.Results{
		ByProvider:    map[models.ProviderType]sync_feature.ProviderResult{},
		ByIntegration: map[string]sync_feature.ProviderResult{},
	}
	for _, r := range rs {
		out.ByIntegration[r.IntegrationID] = r
		out.ByProvider[r.Provider] = r
	}
	return out
}

func failed(id string, err error) sync_feature.ProviderResult {
	return sync_feature.ProviderResult{
		IntegrationID: id,
		Provider:      models.ProviderAmoCRM,
		Outcome:       sync_feature.OutcomeFailed,
		Error:         err.Error(),
		Kind:          connectors.KindOf(err),
		Err:           err,
	}
}

func succeeded(id string) sync_feature.ProviderResult {
	return sync_feature.ProviderResult{IntegrationID: id, Provider: models.ProviderBitrix24, Outcome: sync_feature.OutcomeSuccess, RemoteID: "1"}
}

type coordinatorFixture struct {
	svc    *CoordinatorServiceImpl
	queue  *MemoryQueue
	locker *MemoryLocker
	runner *MockRunner
	hook   *MockFailureHook
	conv   *conversation.Conversation
	now    time.Time
}

func newCoordinatorFixture() *coordinatorFixture {
	f := &coordinatorFixture{
		queue:  NewMemoryQueue(),
		locker: NewMemoryLocker(),
		runner: &MockRunner{},
		hook:   &MockFailureHook{},
		conv:   &conversation.Conversation{ID: primitive.NewObjectID(), BotID: "bot1"},
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{
		LockTTL:        5 * time.Minute,
		RetryBaseDelay: 30 * time.Second,
		MaxAttempts:    3,
		JobTimeout:     time.Second,
		WorkerCount:    2,
		QueuePoll:      10 * time.Millisecond,
	}
	f.svc = &CoordinatorServiceImpl{
		Queue:         f.queue,
		Locker:        f.locker,
		Runner:        f.runner,
		Conversations: &MockConversations{Conversation: f.conv},
		Policies:      &MockPolicies{Policy: integration.RetryPolicy{BaseDelay: cfg.RetryBaseDelay, MaxAttempts: cfg.MaxAttempts}},
		FailureHook:   f.hook,
		Config:        cfg,
		Logger:        zap.NewNop(),
		now:           func() time.Time { return f.now },
	}
	return f
}

func (f *coordinatorFixture) job(action models.SyncAction) Job {
	return Job{ID: "job-1", ConversationID: f.conv.ID.Hex(), Action: action, Attempt: 1}
}

func TestExecuteCreateLeadAlreadyLinked(t *testing.T) {
	f := newCoordinatorFixture()
	lead := "L-1"
	f.conv.CRMLeadID = &lead

	out := f.svc.Execute(context.Background(), f.job(models.ActionCreateLead))

	assert.Equal(t, StateSucceeded, out.State)
	assert.Zero(t, f.runner.calls())
}

func TestExecuteExplicitTargetBypassesLinkedShortcut(t *testing.T) {
	f := newCoordinatorFixture()
	lead := "L-1"
	f.conv.CRMLeadID = &lead
	job := f.job(models.ActionCreateLead)
	job.IntegrationIDs = []string{"i1"}

	out := f.svc.Execute(context.Background(), job)

	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, f.runner.calls())
}

func TestExecuteSkipsWhenLockHeld(t *testing.T) {
	f := newCoordinatorFixture()
	job := f.job(models.ActionSyncConversation)
	_, err := f.locker.Acquire(context.Background(), job.lockKey(), time.Minute)
	require.NoError(t, err)

	out := f.svc.Execute(context.Background(), job)

	assert.Equal(t, StateSkipped, out.State)
	assert.Zero(t, f.runner.calls())
}

func TestExecuteIsMutuallyExclusive(t *testing.T) {
	f := newCoordinatorFixture()
	f.runner.Block = make(chan struct{})
	f.runner.Started = make(chan struct{}, 1)
	job := f.job(models.ActionSyncConversation)

	var first Outcome
	done := make(chan struct{})
	go func() {
		first = f.svc.Execute(context.Background(), job)
		close(done)
	}()
	<-f.runner.Started

	second := f.svc.Execute(context.Background(), job)
	assert.Equal(t, StateSkipped, second.State)

	close(f.runner.Block)
	<-done
	assert.Equal(t, StateSucceeded, first.State)
	assert.False(t, f.locker.Held(job.lockKey()))
}

func TestExecuteRetriesFailedIntegrationsWithLinearBackoff(t *testing.T) {
	f := newCoordinatorFixture()
	timeout := connectors.TransientError(models.ProviderAmoCRM, "create_lead", errors.New("503"))
	f.runner.Results = func(n int, opts sync_feature.Options) (*sync_feature.Results, error) {
		if n == 1 {
			return results(succeeded("i1"), failed("i2", timeout)), nil
		}
		return results(failed("i2", timeout)), nil
	}
	ctx := context.Background()

	out := f.svc.Execute(ctx, f.job(models.ActionCreateLead))
	require.Equal(t, StateFailedRetryable, out.State)
	assert.Equal(t, f.now.Add(30*time.Second), *out.RetryAt)
	assert.False(t, f.locker.Held(out.Job.lockKey()))

	jobs, at := f.queue.Pending()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempt)
	assert.Equal(t, []string{"i2"}, jobs[0].IntegrationIDs)
	assert.Equal(t, f.now.Add(30*time.Second), at[0])

	f.now = at[0]
	next, err := f.queue.PopDue(ctx, f.now)
	require.NoError(t, err)
	out = f.svc.Execute(ctx, *next)
	require.Equal(t, StateFailedRetryable, out.State)
	assert.Equal(t, f.now.Add(60*time.Second), *out.RetryAt)
	assert.Equal(t, []string{"i2"}, f.runner.Calls[1].IntegrationIDs)

	_, at = f.queue.Pending()
	f.now = at[0]
	next, err = f.queue.PopDue(ctx, f.now)
	require.NoError(t, err)
	out = f.svc.Execute(ctx, *next)
	assert.Equal(t, StateFailedTerminal, out.State)
	assert.Equal(t, 3, out.Job.Attempt)

	jobs, _ = f.queue.Pending()
	assert.Empty(t, jobs)
	require.Len(t, f.hook.Errors, 1)
	assert.ErrorIs(t, f.hook.Errors[0], timeout)
}

func TestExecuteTerminalFailuresAreNotRetried(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"configuration", connectors.ConfigError(models.ProviderBitrix24, "send_message", connectors.ErrLineNotBound)},
		{"authentication", &connectors.Error{Kind: connectors.KindAuthentication, Provider: models.ProviderAmoCRM, Op: "create_lead", Status: 401}},
		{"terminal", &connectors.Error{Kind: connectors.KindTerminal, Provider: models.ProviderAmoCRM, Op: "create_lead", Status: 400}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCoordinatorFixture()
			f.runner.Results = func(n int, opts sync_feature.Options) (*sync_feature.Results, error) {
				return results(failed("i1", tc.err)), nil
			}

			out := f.svc.Execute(context.Background(), f.job(models.ActionCreateLead))

			assert.Equal(t, StateFailedTerminal, out.State)
			jobs, _ := f.queue.Pending()
			assert.Empty(t, jobs)
			assert.Len(t, f.hook.Errors, 1)
		})
	}
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	f := newCoordinatorFixture()
	f.svc.Config.JobTimeout = 20 * time.Millisecond
	f.runner.Block = make(chan struct{})

	out := f.svc.Execute(context.Background(), f.job(models.ActionSyncConversation))

	assert.Equal(t, StateFailedRetryable, out.State)
	assert.False(t, f.locker.Held(out.Job.lockKey()))
}

func TestExecuteOrchestratorErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantState State
	}{
		{"store outage", fmt.Errorf("conversation x: %w", errors.New("server selection error: context deadline exceeded")), StateFailedRetryable},
		{"unclassified", errors.New("connection reset by peer"), StateFailedRetryable},
		{"conversation missing", fmt.Errorf("conversation x: %w", mongo.ErrNoDocuments), StateFailedTerminal},
		{"bad conversation id", fmt.Errorf("conversation x: %w", primitive.ErrInvalidHex), StateFailedTerminal},
		{"unsupported action", fmt.Errorf("%w %q", sync_feature.ErrUnsupportedAction, "merge"), StateFailedTerminal},
		{"configuration", connectors.ConfigError(models.ProviderBitrix24, "send_message", connectors.ErrUnsupported), StateFailedTerminal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCoordinatorFixture()
			f.runner.Results = func(n int, opts sync_feature.Options) (*sync_feature.Results, error) {
				return nil, tc.err
			}

			out := f.svc.Execute(context.Background(), f.job(models.ActionSyncConversation))

			assert.Equal(t, tc.wantState, out.State)
			jobs, _ := f.queue.Pending()
			if tc.wantState == StateFailedRetryable {
				require.Len(t, jobs, 1)
				assert.Equal(t, 2, jobs[0].Attempt)
				assert.Empty(t, f.hook.Errors)
			} else {
				assert.Empty(t, jobs)
				assert.Len(t, f.hook.Errors, 1)
			}
		})
	}
}

func TestExecuteStoreOutageExhaustsAttempts(t *testing.T) {
	f := newCoordinatorFixture()
	outage := errors.New("server selection timeout")
	f.runner.Results = func(n int, opts sync_feature.Options) (*sync_feature.Results, error) {
		return nil, outage
	}
	ctx := context.Background()

	out := f.svc.Execute(ctx, f.job(models.ActionCreateLead))
	for out.State == StateFailedRetryable {
		f.now = *out.RetryAt
		next, err := f.queue.PopDue(ctx, f.now)
		require.NoError(t, err)
		require.NotNil(t, next)
		out = f.svc.Execute(ctx, *next)
	}

	assert.Equal(t, StateFailedTerminal, out.State)
	assert.Equal(t, 3, f.runner.calls())
	require.Len(t, f.hook.Errors, 1)
	assert.ErrorIs(t, f.hook.Errors[0], outage)
}

func TestRetryPolicyOverridesAttempts(t *testing.T) {
	f := newCoordinatorFixture()
	f.svc.Policies = &MockPolicies{Policy: integration.RetryPolicy{BaseDelay: time.Minute, MaxAttempts: 1}}
	f.runner.Results = func(n int, opts sync_feature.Options) (*sync_feature.Results, error) {
		return results(failed("i1", context.DeadlineExceeded)), nil
	}

	out := f.svc.Execute(context.Background(), f.job(models.ActionSyncConversation))
	assert.Equal(t, StateFailedTerminal, out.State)
}

func TestSubmitAndDrain(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, models.ActionSyncConversation, f.conv.ID.Hex(), sync_feature.Options{Params: map[string]interface{}{"order_id": "A100"}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var seen []State
	outcomes := f.svc.Drain(ctx, false, func(o Outcome) { seen = append(seen, o.State) })
	require.Len(t, outcomes, 1)
	assert.Equal(t, []State{StateSucceeded}, seen)
	assert.Equal(t, id, outcomes[0].Job.ID)
	assert.Equal(t, StateSucceeded, outcomes[0].State)
	assert.Equal(t, "A100", f.runner.Calls[0].Params["order_id"])
}

func TestWorkersProcessQueue(t *testing.T) {
	f := newCoordinatorFixture()
	f.svc.now = time.Now
	ctx := context.Background()

	require.NoError(t, f.svc.Start(ctx))
	_, err := f.svc.Submit(ctx, models.ActionSyncConversation, f.conv.ID.Hex(), sync_feature.Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.runner.calls() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.svc.Stop(ctx))
}

func TestMemoryQueueOrdersByDueTime(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, q.Push(ctx, Job{ID: "late"}, base.Add(time.Minute)))
	require.NoError(t, q.Push(ctx, Job{ID: "early"}, base))

	job, err := q.PopDue(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "early", job.ID)

	job, err = q.PopDue(ctx, base)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.PopDue(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "late", job.ID)
}

func TestMemoryLockerExpires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// the expired owner may not release the new owner's lock
	assert.Error(t, first.Release(ctx))
	assert.True(t, l.Held("k"))
	assert.NoError(t, second.Release(ctx))
	assert.False(t, l.Held("k"))
}
