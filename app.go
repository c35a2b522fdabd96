package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "mailsched-backend/cmd/api"
	accountRepo "mailsched-backend/internal/account/repository"
	authDelivery "mailsched-backend/internal/auth/delivery"
	authRepo "mailsched-backend/internal/auth/repository"
	authUsecase "mailsched-backend/internal/auth/usecase"
	"mailsched-backend/internal/email/fetcher"
	"mailsched-backend/internal/email/pipeline"
	"mailsched-backend/internal/notification"
	scheduleDelivery "mailsched-backend/internal/schedule/delivery"
	"mailsched-backend/internal/schedule/lock"
	"mailsched-backend/internal/schedule/recurrence"
	scheduleRepo "mailsched-backend/internal/schedule/repository"
	"mailsched-backend/internal/schedule/runner"
	"mailsched-backend/internal/schedule/scheduler"
	"mailsched-backend/internal/schedule/tracker"
	scheduleUsecase "mailsched-backend/internal/schedule/usecase"
	"mailsched-backend/internal/schedule/validation"
	"mailsched-backend/pkg/ai"
	"mailsched-backend/pkg/chroma"
	"mailsched-backend/pkg/config"
	"mailsched-backend/pkg/database"
	"mailsched-backend/pkg/fcm"
	"mailsched-backend/pkg/gmail"
	"mailsched-backend/pkg/imap"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/mailpool"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	gmailapi "google.golang.org/api/gmail/v1"
	"gorm.io/gorm"
)

// stores groups the repositories of one storage driver
type stores struct {
	schedules  scheduleRepo.ScheduleRepository
	executions scheduleRepo.ExecutionRepository
	locks      scheduleRepo.LockRepository
	accounts   accountRepo.AccountRepository
	fcmTokens  authRepo.FCMTokenRepository
}

func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.StorageDriver {
	case "memory":
		mem := scheduleRepo.NewMemoryStore()
		return &stores{
			schedules:  mem.Schedules(),
			executions: mem.Executions(),
			locks:      mem.Locks(),
			accounts:   accountRepo.NewMemoryAccountRepository(),
			fcmTokens:  authRepo.NewMemoryFCMTokenRepository(),
		}, nil
	case "postgres":
		db, err := database.NewPostgresConnection(cfg)
		if err != nil {
			return nil, err
		}
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return gormStores(db), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func gormStores(db *gorm.DB) *stores {
	return &stores{
		schedules:  scheduleRepo.NewGormScheduleRepository(db),
		executions: scheduleRepo.NewGormExecutionRepository(db),
		locks:      scheduleRepo.NewGormLockRepository(db),
		accounts:   accountRepo.NewAccountRepository(db),
		fcmTokens:  authRepo.NewFCMTokenRepository(db),
	}
}

// application holds every long-lived component of the service
type application struct {
	cfg       *config.Config
	log       zerolog.Logger
	stores    *stores
	usecase   scheduleUsecase.ScheduleUsecase
	scheduler *scheduler.Scheduler
	handler   *api.Handler

	gmailPool *mailpool.Pool[*gmailapi.Service]
	imapPool  *mailpool.Pool[*imapclient.Client]
	gmail     *gmail.Service
	imap      *imap.IMAPService
	publisher *notification.PubSubPublisher
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	log := logger.Component("app")
	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	app := &application{cfg: cfg, log: log, stores: st}

	// Mail sources
	poolCfg := mailpool.Config{MaxIdle: cfg.MailPoolMaxIdle, IdleTTL: cfg.MailPoolIdleTTL}
	app.gmailPool = mailpool.New[*gmailapi.Service](poolCfg, nil)
	app.gmail = gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, gmail.WithPool(app.gmailPool))
	app.imapPool = imap.NewPool(poolCfg)
	app.imap = imap.NewService(app.imapPool)
	emailFetcher := fetcher.NewFetcher(st.accounts, app.gmail, app.imap)

	// Classification
	settings := ai.NewSettings(cfg.OllamaBaseURL, cfg.OllamaModel)
	classifier, err := ai.NewClassifier(ai.Config{
		Provider:     ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey: cfg.GeminiAPIKey,
		Settings:     settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	log.Info().Str("provider", cfg.AIProvider).Msg("classifier initialized")

	execTracker := tracker.NewTracker(st.executions)
	var pipelineOpts []pipeline.Option
	if cfg.ChromaAPIKey != "" {
		chromaClient, err := chroma.NewChromaClient(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("chroma unavailable, classified emails will not be indexed")
		} else {
			pipelineOpts = append(pipelineOpts, pipeline.WithIndexer(chromaClient))
		}
	}
	processor := pipeline.NewPipeline(classifier, execTracker, pipeline.Config{
		Categories: cfg.ClassifyCategories,
		RatePerSec: cfg.AIRatePerSec,
	}, pipelineOpts...)

	// Outcome notifications
	var publisher notification.Publisher
	if cfg.GoogleProjectID != "" && cfg.ExecutionEventsTopic != "" {
		p, err := notification.NewPubSubPublisher(ctx, cfg.GoogleProjectID, cfg.ExecutionEventsTopic, cfg.GoogleCredentials)
		if err != nil {
			log.Warn().Err(err).Msg("execution events disabled")
		} else {
			app.publisher = p
			publisher = p
		}
	}
	var pusher notification.Pusher
	if cfg.FirebaseCredentials != "" {
		client, err := fcm.NewClient(ctx, cfg.FirebaseCredentials)
		if err != nil {
			log.Warn().Err(err).Msg("push notifications disabled")
		} else {
			pusher = client
		}
	}
	notifier := notification.NewService(publisher, pusher, st.fcmTokens)

	// Scheduling
	calc := recurrence.NewCalculator()
	scheduleRunner := runner.NewRunner(st.schedules, execTracker, calc, emailFetcher, processor, runner.Config{
		MaxAttempts: cfg.ExecutionMaxAttempts,
		MaxEmails:   cfg.ExecutionMaxEmails,
	}, runner.WithNotifier(notifier))

	locks := lock.NewManager(st.locks, lock.WithLease(cfg.SchedulerLockLease))
	app.scheduler = scheduler.NewScheduler(st.schedules, locks, scheduleRunner, scheduler.Config{
		Interval:            cfg.SchedulerTickInterval,
		MaxParallel:         cfg.SchedulerMaxParallel,
		StaleExecutionAfter: cfg.StaleExecutionAfter,
	}, scheduler.WithSweeper(execTracker))

	app.usecase = scheduleUsecase.NewScheduleUsecase(
		st.schedules,
		validation.NewValidator(st.schedules, calc),
		calc,
		scheduleRunner,
		execTracker,
		scheduleUsecase.DefaultScheduleConfig{
			CronExpression: cfg.DefaultScheduleCron,
			Timezone:       cfg.DefaultScheduleTimezone,
			BatchSize:      cfg.DefaultBatchSize,
		},
		scheduleUsecase.WithAccountLookup(st.accounts),
	)

	// HTTP
	app.handler = api.NewHandler(
		authUsecase.NewAuthUsecase(cfg.JWTSecret),
		scheduleDelivery.NewScheduleHandler(app.usecase),
		authDelivery.NewFCMHandler(st.fcmTokens),
		api.NewSettingsHandler(settings),
	)
	return app, nil
}

// evictIdleClients closes pooled mail connections that outlived their TTL
func (a *application) evictIdleClients(ctx context.Context) {
	interval := a.cfg.MailPoolIdleTTL
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := a.gmailPool.Evict() + a.imapPool.Evict(); n > 0 {
				a.log.Debug().Int("evicted", n).Msg("idle mail clients closed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases mail connections and the event publisher
func (a *application) Close() error {
	var errs []error
	if err := a.gmail.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.imap.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
