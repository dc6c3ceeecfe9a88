package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"partner-portal/internal/access"
	"partner-portal/internal/api"
	"partner-portal/internal/blob"
	"partner-portal/internal/common/auth"
	awsclients "partner-portal/internal/common/aws"
	"partner-portal/internal/common/camunda"
	"partner-portal/internal/common/config"
	"partner-portal/internal/common/database"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/observability"
	"partner-portal/internal/common/validation"
	"partner-portal/internal/delivery"
	"partner-portal/internal/fanout"
	"partner-portal/internal/identity"
	"partner-portal/internal/portal"
	"partner-portal/internal/realtime"
	"partner-portal/internal/search"
	"partner-portal/internal/session"
	"partner-portal/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting partner portal...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name, log)
	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	st := store.NewPostgres(pg.DB, log)
	if err := st.Migrate(ctx); err != nil {
		zapLog.Fatal("schema migration failed", zap.Error(err))
	}

	readyChecks := map[string]api.ReadyCheck{}

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	if cfg.Database.Redis.Address != "" {
		rdb = database.NewRedis(cfg.Database.Redis)
		err = retryWithBackoff(func() error {
			return rdb.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rdb.Close()
		readyChecks["redis"] = rdb.Ping
		zapLog.Info("Redis connected successfully")
	}

	// --- Init Elasticsearch with retry ---
	var index *search.SubmissionIndex
	if cfg.Database.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		index = search.NewSubmissionIndex(esClient.Client, cfg.Database.Elasticsearch.Index, log)
		if err := index.EnsureIndex(ctx); err != nil {
			zapLog.Fatal("elasticsearch index setup failed", zap.Error(err))
		}
		readyChecks["elasticsearch"] = esClient.Ping
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Init AWS clients ---
	awsSettings := awsclients.Settings{
		Region:   cfg.Integrations.AWS.Region,
		Endpoint: cfg.Integrations.AWS.Endpoint,
	}
	awsCfg, err := awsclients.LoadConfig(ctx, awsSettings)
	if err != nil {
		zapLog.Fatal("aws config failed", zap.Error(err))
	}
	sender := delivery.NewAWSSender(
		awsclients.NewSESClient(awsCfg, awsSettings),
		awsclients.NewSNSClient(awsCfg, awsSettings),
		cfg.Notifications.Email.FromEmail,
		cfg.Notifications.SMS.SenderID,
	)
	var blobs blob.Store
	if cfg.Integrations.AWS.S3.Bucket != "" {
		blobs = blob.NewS3Store(awsclients.NewS3Client(awsCfg, awsSettings), cfg.Integrations.AWS.S3.Bucket, log)
	} else {
		zapLog.Warn("No S3 bucket configured, uploads are kept in memory")
		blobs = blob.NewMemoryStore()
	}

	// --- Live transport ---
	var bus realtime.Bus
	switch cfg.Realtime.Transport {
	case "redis":
		bus = realtime.NewRedisBus(rdb.Client, cfg.Realtime.ChannelPrefix, log)
	case "amqp":
		err = retryWithBackoff(func() error {
			var err error
			bus, err = realtime.NewAMQPBus(cfg.Realtime.AMQP.URL, cfg.Realtime.AMQP.Exchange, log)
			return err
		}, 10, 2*time.Second, zapLog, "AMQP connection")
		if err != nil {
			zapLog.Fatal("amqp failed after retries", zap.Error(err))
		}
	default:
		bus = realtime.NewHub()
	}
	defer bus.Close()
	zapLog.Info("Live transport ready", zap.String("transport", bus.Name()))

	// --- Identity ---
	var cache identity.Cache
	if cfg.Identity.CacheBackend == "redis" {
		cache = identity.NewRedisCache(rdb.Client, config.GetDuration(cfg.Identity.CacheTTL))
	} else {
		cache = identity.NewMemoryCache(config.GetDuration(cfg.Identity.CacheTTL))
	}
	resolver := identity.NewResolver(identity.Config{
		Allowlist: identity.Allowlist{IDs: cfg.Identity.SuperadminIDs, Emails: cfg.Identity.SuperadminEmails},
		Timeout:   config.GetDuration(cfg.Identity.ResolveTimeout),
	}, st, cache, log)

	keycloak := auth.NewKeycloakClient(
		cfg.Auth.Keycloak.URL,
		cfg.Auth.Keycloak.Realm,
		cfg.Auth.Keycloak.ClientID,
		cfg.Auth.Keycloak.ClientSecret,
	).WithTimeout(config.GetDuration(cfg.Auth.Keycloak.Timeout))

	var sessions *session.Revoker
	if cfg.Database.Redis.Address != "" {
		sessionClient := redisv8.NewClient(&redisv8.Options{
			Addr:     cfg.Database.Redis.Address,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
		})
		defer sessionClient.Close()
		sessions = session.NewRevoker(sessionClient, config.GetDuration(cfg.Auth.SessionTTL), log)
	}

	// --- Notification delivery ---
	deliverer := delivery.NewDeliverer(st, sender, delivery.Options{
		EmailEnabled: cfg.Notifications.Email.Enabled,
		SMSEnabled:   cfg.Notifications.SMS.Enabled,
	}, log)
	dispatchTimeout := config.GetDuration(cfg.Notifications.DispatchTimeout)
	direct := delivery.NewAsyncDispatcher(deliverer, dispatchTimeout, log)
	var dispatcher delivery.Dispatcher = direct

	var zeebe *camunda.Client
	var jobWorker *camunda.Worker
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		readyChecks["zeebe"] = zeebe.HealthCheck
		zapLog.Info("Zeebe client connected successfully")

		jobWorker = camunda.NewWorker(zeebe.GetClient(), delivery.TaskType, cfg.Camunda.MaxJobsActive,
			delivery.NewJobHandler(deliverer, config.GetDuration(cfg.Camunda.Timeout), log), log)
		if cfg.Notifications.Dispatch == "camunda" {
			dispatcher = delivery.NewZeebeDispatcher(zeebe, direct, dispatchTimeout, log)
		}
	}

	sweeper := delivery.NewRetrySweeper(st, deliverer, cfg.Notifications.RetrySchedule, cfg.Notifications.MaxAttempts, log)
	if err := sweeper.Start(); err != nil {
		zapLog.Fatal("retry sweeper failed to start", zap.Error(err))
	}

	// --- Portal ---
	deps := portal.Deps{
		Store:         st,
		Resolver:      resolver,
		Access:        access.NewCalculator(st, log),
		Events:        fanout.New(st, bus, dispatcher, fanout.Config{SuperadminIDs: cfg.Identity.SuperadminIDs}, log),
		Blobs:         blobs,
		Live:          bus,
		IdP:           keycloak,
		Observability: obs,
		Logger:        log,
	}
	if index != nil {
		deps.Index = index
	}
	if sessions != nil {
		deps.Sessions = sessions
	}
	p := portal.New(portal.Config{}, deps)

	validator, err := validation.NewValidator()
	if err != nil {
		zapLog.Fatal("schema compilation failed", zap.Error(err))
	}
	apiDeps := api.Deps{
		Portal:      p,
		Auth:        keycloak,
		Validator:   validator,
		ReadyChecks: readyChecks,
		Logger:      log,
	}
	if sessions != nil {
		apiDeps.Sessions = sessions
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     api.NewServer(apiDeps).Router(),
		ReadTimeout: config.GetDuration(cfg.Server.ReadTimeout),
		// live streams clear their own deadline
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	sweeper.Stop(shutdownCtx)
	if zd, ok := dispatcher.(*delivery.ZeebeDispatcher); ok {
		zd.Wait()
	}
	direct.Wait()
	if jobWorker != nil {
		jobWorker.Stop(shutdownCtx)
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}
	obs.Shutdown(shutdownCtx)

	zapLog.Info("Partner portal stopped gracefully")
}
