package main

import (
	"context"
	"fmt"
	"time"

	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/database"
	"go-crmsync/internal/features/breaker"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/job"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/features/mapping"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"
	crmredis "go-crmsync/internal/redis"
	"go-crmsync/internal/secrets"

	"go.uber.org/zap"
)

// environment is the service graph of a single CLI invocation
type environment struct {
	cfg           *config.Config
	log           *zap.Logger
	integrations  integration.IntegrationService
	conversations conversation.ConversationService
	ledger        ledger.LedgerService
	breaker       breaker.BreakerService
	sync          sync_feature.SyncService
	coordinator   job.CoordinatorService

	closers []func(context.Context) error
}

func openEnvironment() (*environment, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.NewConsoleLogger(cfg)
	if err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, log: log}

	db, disconnect, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	env.closers = append(env.closers, disconnect)

	pg, err := database.ConnectPostgres(cfg)
	if err != nil {
		env.close()
		return nil, err
	}
	env.closers = append(env.closers, func(context.Context) error { return pg.Close() })

	redis, err := crmredis.Dial(cfg, log)
	if err != nil {
		env.close()
		return nil, err
	}
	env.closers = append(env.closers, func(context.Context) error { return redis.Close() })

	cipher, err := secrets.NewCipher(cfg)
	if err != nil {
		env.close()
		return nil, err
	}

	env.integrations = integration.NewIntegrationService(
		integration.NewIntegrationRepository(db),
		integration.NewBindingRepository(db),
		cipher, cfg, log,
	)
	conversations := conversation.NewConversationService(
		conversation.NewConversationRepository(db),
		conversation.NewMessageRepository(db),
		log,
	)
	env.conversations = conversations
	env.ledger = ledger.NewLedgerService(ledger.NewLedgerRepository(cfg, db, pg), log)
	env.breaker = breaker.NewBreakerService(
		crmredis.NewSlidingWindow(redis),
		env.integrations,
		breaker.NewAlertRepository(db),
		cfg, log,
	)
	// jobs run in this process; the lock is shared with the API workers
	locker := job.NewRedisLocker(redis)
	env.sync = sync_feature.NewSyncService(
		env.integrations,
		conversations,
		env.ledger,
		env.breaker,
		mapping.NewResolver(log),
		redis,
		locker,
		connectors.NewHTTPClient(cfg, log),
		cfg, log,
	)
	env.coordinator = job.NewCoordinatorService(
		job.NewMemoryQueue(),
		locker,
		env.sync,
		conversations,
		env.integrations,
		cfg, log,
	)

	return env, nil
}

func (e *environment) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			e.log.Warn("Failed to close resource", zap.Error(err))
		}
	}
	_ = e.log.Sync()
}
