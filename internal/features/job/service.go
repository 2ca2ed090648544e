package job

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/metrics"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Runner executes one orchestrator action
type Runner interface {
	Run(ctx context.Context, action models.SyncAction, conversationID string, opts sync_feature.Options) (*sync_feature.Results, error)
}

type ConversationLookup interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
}

// PolicySource resolves the retry policy of an integration
type PolicySource interface {
	Get(ctx context.Context, id string) (*integration.Integration, error)
	RetryPolicy(in *integration.Integration) integration.RetryPolicy
}

// FailureHook is told about jobs that will not be retried
type FailureHook interface {
	FlagSyncFailure(ctx context.Context, conversationID string, action models.SyncAction, syncErr error) error
}

type CoordinatorService interface {
	Submit(ctx context.Context, action models.SyncAction, conversationID string, opts sync_feature.Options) (string, error)
	Enqueue(ctx context.Context, job Job, at time.Time) error
	Execute(ctx context.Context, job Job) Outcome
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Drain runs due jobs in the caller's goroutine; progress sees every outcome
	Drain(ctx context.Context, wait bool, progress func(Outcome)) []Outcome
}

type CoordinatorServiceImpl struct {
	Queue         Queue
	Locker        Locker
	Runner        Runner
	Conversations ConversationLookup
	Policies      PolicySource
	FailureHook   FailureHook
	Config        *config.Config
	Logger        *zap.Logger

	now func() time.Time

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func NewCoordinatorService(
	queue Queue,
	locker Locker,
	runner sync_feature.SyncService,
	conversations conversation.ConversationService,
	policies integration.IntegrationService,
	cfg *config.Config,
	log *zap.Logger,
) CoordinatorService {
	return &CoordinatorServiceImpl{
		Queue:         queue,
		Locker:        locker,
		Runner:        runner,
		Conversations: conversations,
		Policies:      policies,
		FailureHook:   conversations,
		Config:        cfg,
		Logger:        log,
		now:           time.Now,
	}
}

func (s *CoordinatorServiceImpl) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Submit queues a first attempt of action and returns the job id
func (s *CoordinatorServiceImpl) Submit(ctx context.Context, action models.SyncAction, conversationID string, opts sync_feature.Options) (string, error) {
	job := Job{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Action:         action,
		IntegrationIDs: opts.IntegrationIDs,
		Params:         opts.Params,
		Fields:         opts.Fields,
		Attempt:        1,
	}
	if err := s.Enqueue(ctx, job, s.clock()); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *CoordinatorServiceImpl) Enqueue(ctx context.Context, job Job, at time.Time) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	job.EnqueuedAt = s.clock()

	if err := s.Queue.Push(ctx, job, at); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", job.Action, err)
	}
	s.Logger.Debug("Sync job queued",
		zap.String(logger.FieldJobID, job.ID),
		zap.String(logger.FieldAction, string(job.Action)),
		zap.String(logger.FieldConversationID, job.ConversationID),
		zap.Int("attempt", job.Attempt),
		zap.Time("at", at),
	)
	return nil
}

// Execute runs one attempt of job under the (conversation, action) lock and
// queues the follow-up attempt when retryable integrations failed
func (s *CoordinatorServiceImpl) Execute(ctx context.Context, job Job) (out Outcome) {
	out = Outcome{Job: job, State: StatePending}
	log := s.Logger.With(
		zap.String(logger.FieldJobID, job.ID),
		zap.String(logger.FieldAction, string(job.Action)),
		zap.String(logger.FieldConversationID, job.ConversationID),
		zap.Int("attempt", job.Attempt),
	)

	metrics.JobsInFlight.Inc()
	defer func() {
		metrics.JobsInFlight.Dec()
		metrics.JobsTotal.WithLabelValues(string(job.Action), string(out.State)).Inc()
	}()

	if done, err := s.alreadyLinked(ctx, job); err != nil {
		log.Warn("Failed to load conversation", zap.Error(err))
	} else if done {
		out.State = StateSucceeded
		return out
	}

	lock, err := s.Locker.Acquire(ctx, job.lockKey(), s.Config.LockTTL)
	if errors.Is(err, ErrLocked) {
		log.Debug("Another job holds the conversation lock")
		out.State = StateSkipped
		return out
	}
	if err != nil {
		log.Error("Failed to acquire job lock", zap.Error(err))
		out.Error = err.Error()
		return s.retryOrFail(ctx, log, out, job.IntegrationIDs, err)
	}
	out.State = StateLocked
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release job lock", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.Config.JobTimeout)
	defer cancel()

	out.State = StateRunning
	results, err := s.Runner.Run(runCtx, job.Action, job.ConversationID, job.options())
	out.Results = results
	if err != nil {
		out.Error = err.Error()
		if !permanent(err) {
			return s.retryOrFail(ctx, log, out, job.IntegrationIDs, err)
		}
		log.Error("Sync job failed", zap.Error(err))
		out.State = StateFailedTerminal
		s.flag(ctx, log, job, err)
		return out
	}

	failed := results.Failed()
	if len(failed) == 0 {
		out.State = StateSucceeded
		log.Info("Sync job succeeded",
			zap.Int("succeeded", results.Count(sync_feature.OutcomeSuccess)),
			zap.Int("skipped", results.Count(sync_feature.OutcomeSkipped)),
		)
		return out
	}

	var terminal error
	for _, res := range failed {
		if !res.Retryable() && terminal == nil {
			terminal = res.Err
		}
	}
	if terminal != nil {
		s.flag(ctx, log, job, terminal)
	}

	if retry := results.RetryableIntegrations(); len(retry) > 0 {
		out.Error = failed[0].Error
		return s.retryOrFail(ctx, log, out, retry, failed[0].Err)
	}

	out.State = StateFailedTerminal
	out.Error = terminal.Error()
	log.Warn("Sync job failed without retry", zap.Int("failed", len(failed)), zap.Error(terminal))
	return out
}

// permanent reports whether a run error can never succeed on retry. Store
// outages and other unclassified errors are retried.
func permanent(err error) bool {
	var pe *connectors.Error
	if errors.As(err, &pe) {
		return pe.Kind != connectors.KindTransient
	}
	return errors.Is(err, mongo.ErrNoDocuments) ||
		errors.Is(err, primitive.ErrInvalidHex) ||
		errors.Is(err, sync_feature.ErrUnsupportedAction) ||
		errors.Is(err, sync_feature.ErrMessageNotFound) ||
		errors.Is(err, sync_feature.ErrNotBound)
}

// alreadyLinked is the create fast path: the conversation already carries the entity
func (s *CoordinatorServiceImpl) alreadyLinked(ctx context.Context, job Job) (bool, error) {
	if len(job.IntegrationIDs) > 0 {
		return false, nil
	}
	if job.Action != models.ActionCreateLead && job.Action != models.ActionCreateDeal {
		return false, nil
	}
	conv, err := s.Conversations.Get(ctx, job.ConversationID)
	if err != nil {
		return false, err
	}
	return conv.HasRemote(job.Action), nil
}

// retryOrFail queues the next attempt for integrationIDs after base*attempt,
// or gives up once the attempt budget is spent
func (s *CoordinatorServiceImpl) retryOrFail(ctx context.Context, log *zap.Logger, out Outcome, integrationIDs []string, cause error) Outcome {
	job := out.Job
	policy := s.policy(ctx, integrationIDs)

	if job.Attempt >= policy.MaxAttempts {
		out.State = StateFailedTerminal
		log.Warn("Sync job exhausted its attempts", zap.Int("max_attempts", policy.MaxAttempts), zap.Error(cause))
		s.flag(ctx, log, job, cause)
		return out
	}

	next := job
	next.IntegrationIDs = integrationIDs
	next.Attempt = job.Attempt + 1
	at := s.clock().Add(policy.BaseDelay * time.Duration(job.Attempt))

	if err := s.Enqueue(context.WithoutCancel(ctx), next, at); err != nil {
		log.Error("Failed to queue retry", zap.Error(err))
		out.State = StateFailedTerminal
		s.flag(ctx, log, job, cause)
		return out
	}

	out.State = StateFailedRetryable
	out.RetryAt = &at
	log.Info("Sync job will be retried", zap.Time("retry_at", at), zap.Strings("integration_ids", integrationIDs))
	return out
}

// policy combines the retry policies of the integrations: the longest delay
// and the smallest attempt budget win
func (s *CoordinatorServiceImpl) policy(ctx context.Context, integrationIDs []string) integration.RetryPolicy {
	policy := s.Policies.RetryPolicy(nil)
	first := true
	for _, id := range integrationIDs {
		in, err := s.Policies.Get(ctx, id)
		if err != nil {
			continue
		}
		p := s.Policies.RetryPolicy(in)
		if first {
			policy, first = p, false
			continue
		}
		if p.BaseDelay > policy.BaseDelay {
			policy.BaseDelay = p.BaseDelay
		}
		if p.MaxAttempts < policy.MaxAttempts {
			policy.MaxAttempts = p.MaxAttempts
		}
	}
	return policy
}

func (s *CoordinatorServiceImpl) flag(ctx context.Context, log *zap.Logger, job Job, cause error) {
	if s.FailureHook == nil || cause == nil {
		return
	}
	if err := s.FailureHook.FlagSyncFailure(context.WithoutCancel(ctx), job.ConversationID, job.Action, cause); err != nil {
		log.Warn("Failed to flag sync failure on conversation", zap.Error(err))
	}
}

// Start launches the worker pool polling the queue
func (s *CoordinatorServiceImpl) Start(ctx context.Context) error {
	workers := s.Config.WorkerCount
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	s.Logger.Info("Sync workers started", zap.Int("workers", workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs or ctx
func (s *CoordinatorServiceImpl) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Logger.Info("Sync workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CoordinatorServiceImpl) worker(ctx context.Context, n int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Config.QueuePoll)
	defer ticker.Stop()

	for {
		// drain everything due before sleeping again
		for ctx.Err() == nil {
			job, err := s.Queue.PopDue(ctx, s.clock())
			if err != nil {
				if ctx.Err() == nil {
					s.Logger.Error("Failed to poll job queue", zap.Int("worker", n), zap.Error(err))
				}
				break
			}
			if job == nil {
				break
			}
			s.Execute(ctx, *job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain runs every job that is due now, including retries that become due
// while draining when wait is set. It is used by one-shot CLI runs.
func (s *CoordinatorServiceImpl) Drain(ctx context.Context, wait bool, progress func(Outcome)) []Outcome {
	var outcomes []Outcome
	for ctx.Err() == nil {
		job, err := s.Queue.PopDue(ctx, s.clock())
		if err != nil {
			s.Logger.Error("Failed to poll job queue", zap.Error(err))
			return outcomes
		}
		if job != nil {
			out := s.Execute(ctx, *job)
			outcomes = append(outcomes, out)
			if progress != nil {
				progress(out)
			}
			continue
		}
		if !wait || !pendingRetry(outcomes) {
			return outcomes
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.Config.QueuePoll):
		}
	}
	return outcomes
}

// pendingRetry reports whether the latest outcome of any job is a queued retry
func pendingRetry(outcomes []Outcome) bool {
	latest := map[string]State{}
	for _, o := range outcomes {
		latest[o.Job.ID] = o.State
	}
	for _, state := range latest {
		if state == StateFailedRetryable {
			return true
		}
	}
	return false
}
