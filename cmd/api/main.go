package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/database"
	"go-crmsync/internal/features/breaker"
	"go-crmsync/internal/features/conversation"
	cron_feature "go-crmsync/internal/features/cron"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/job"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/features/mapping"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/features/system"
	"go-crmsync/internal/features/webhook"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/middleware"
	crmredis "go-crmsync/internal/redis"
	"go-crmsync/internal/secrets"
	"go-crmsync/pkg/utils"

	_ "go-crmsync/docs" // Import swagger docs

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),    // Cast to Interface
		fx.ResultTags(`group:"routes"`), // Add to Group
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route) {
	log.Printf("Registering %d routes...\n", len(routes))
	for i, route := range routes {
		log.Printf("Setting up route %d: %T\n", i+1, route)
		route.Setup(app)
	}
	log.Println("All routes registered successfully")
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	utils.SetSecret(cfg.JWTSecret)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// InitializeIndexes ensures that necessary database indexes are created
func InitializeIndexes(
	lc fx.Lifecycle,
	integrations integration.IntegrationRepository,
	bindings integration.BindingRepository,
	messages conversation.MessageRepository,
	ledgerService ledger.LedgerService,
	deliveries webhook.DeliveryRepository,
	runs cron_feature.RunRepository,
	log *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				// Use a background context with timeout for index creation
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				steps := map[string]func(context.Context) error{
					"integrations": integrations.EnsureIndexes,
					"bindings":     bindings.EnsureIndexes,
					"messages":     messages.EnsureIndexes,
					"ledger":       ledgerService.EnsureSchema,
					"deliveries":   deliveries.EnsureIndexes,
					"export_runs":  runs.EnsureIndexes,
				}
				for name, ensure := range steps {
					if err := ensure(ctx); err != nil {
						log.Warn("Failed to ensure indexes", zap.String("collection", name), zap.Error(err))
					}
				}
			}()
			return nil
		},
	})
}

// StartWorkers runs the job coordinator for the lifetime of the app
func StartWorkers(lc fx.Lifecycle, coordinator job.CoordinatorService, ingress webhook.IngressService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return coordinator.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := ingress.Wait(ctx); err != nil {
				log.Printf("Webhook processing still running at shutdown: %v", err)
			}
			return coordinator.Stop(ctx)
		},
	})
}

// StartScheduler loads export schedules and runs them
func StartScheduler(lc fx.Lifecycle, cronService cron_feature.CronService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return cronService.InitializeScheduler(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return cronService.StopScheduler()
		},
	})
}

// @title           CRM Sync API
// @version         1.0
// @description     Synchronizes bot conversations with Bitrix24, amoCRM and Avito.

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// @BasePath        /
func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			// Initialize Database
			database.NewDatabase,
			database.NewPostgres,
			crmredis.NewClient,
			secrets.NewCipher,
			connectors.NewHTTPClient,

			// Initialize Repository
			integration.NewIntegrationRepository,
			integration.NewBindingRepository,
			conversation.NewConversationRepository,
			conversation.NewMessageRepository,
			ledger.NewLedgerRepository,
			breaker.NewAlertRepository,
			webhook.NewDeliveryRepository,
			cron_feature.NewRunRepository,
			job.NewRedisQueue,
			job.NewRedisLocker,

			mapping.NewResolver,
			integration.NewIntegrationService,
			conversation.NewConversationService,
			ledger.NewLedgerService,
			breaker.NewBreakerService,
			sync_feature.NewSyncService,
			job.NewCoordinatorService,
			webhook.NewIngressService,
			cron_feature.NewCronService,

			// Interface Adapters to break circular dependencies and satisfy Fx
			func(c *crmredis.Client) breaker.Window { return crmredis.NewSlidingWindow(c) },
			func(s integration.IntegrationService) breaker.Deactivator { return s },
			func(s breaker.BreakerService) integration.Reactivator { return s },
			func(s job.CoordinatorService) sync_feature.JobSubmitter { return s },
			func(c *crmredis.Client) system.Subscriber { return c },

			// Initialize Controller
			integration.NewIntegrationController,
			ledger.NewLedgerController,
			sync_feature.NewSyncController,
			webhook.NewWebhookController,
			cron_feature.NewCronController,
			system.NewWebSocketController,

			// Initialize API Routes
			AsRoute(integration.NewIntegrationApi),
			AsRoute(ledger.NewLedgerApi),
			AsRoute(sync_feature.NewSyncApi),
			AsRoute(webhook.NewWebhookApi),
			AsRoute(cron_feature.NewCronApi),
			AsRoute(system.NewHealthApi),
			AsRoute(system.NewSwaggerApi),
			AsRoute(system.NewWebSocketApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			// Register Routes & Start
			RegisterAllRoutesWithAnnotation,
			StartServer,
			StartWorkers,
			StartScheduler,
			InitializeIndexes,
		),
	)

	app.Run()
}
