package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/internal/api"
	"mailflow/internal/config"
	"mailflow/internal/database"
	"mailflow/internal/models"
	"mailflow/internal/provider"
	"mailflow/internal/queue"
	"mailflow/internal/repository"
	"mailflow/internal/services"
	"mailflow/internal/utils"

	"github.com/redis/go-redis/v9"
)

func main() {
	mainLogger := utils.NewLogger("Main")
	mainLogger.Info("Starting mailflow service")

	// Load configuration
	cfg := config.Load()

	// Initialize database
	if err := database.Initialize(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()
	db := database.GetDB()

	// Repositories
	mailProviderRepo := repository.NewMailProviderRepository(db)
	accountRepo := repository.NewEmailAccountRepository(db)
	emailRepo := repository.NewEmailRepository(db)
	webhookRepo := repository.NewWebhookSubscriptionRepository(db)
	analysisRepo := repository.NewAnalysisRepository(db)
	batchJobRepo := repository.NewBatchJobRepository(db)

	if err := mailProviderRepo.SeedDefaultProviders(); err != nil {
		mainLogger.Warn("Failed to seed default providers: %v", err)
	}

	// Queue backend store
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.Redis.ConnectTimeout, KeepAlive: cfg.Redis.KeepAlive}
			return d.DialContext(ctx, network, addr)
		},
	})

	queueLogger := utils.NewLogger("QueueEvents")
	queueManager := queue.NewManager(redisClient, []queue.QueueDefinition{
		queueDefinition(services.SyncQueueName, cfg.Queues.Sync),
		queueDefinition(services.AnalysisQueueName, cfg.Queues.Analysis),
	}, queue.Listeners{
		OnCompleted: func(queueName string, job *queue.Job) {
			queueLogger.Debug("Job %s completed on %s", job.ID, queueName)
		},
		OnFailed: func(queueName string, job *queue.Job, err error) {
			queueLogger.Warn("Job %s failed on %s: %v", job.ID, queueName, err)
		},
		OnStalled: func(queueName, jobID string) {
			queueLogger.Warn("Job %s stalled on %s, recovered for retry", jobID, queueName)
		},
		OnError: func(queueName string, err error) {
			queueLogger.Error("Queue %s backend error: %v", queueName, err)
		},
	})

	// Provider registry
	registry := provider.NewRegistry()
	registry.Register(models.ProviderTypeIMAP, provider.NewIMAPClient)
	registry.Register(models.ProviderTypeOutlook, provider.NewIMAPClient)
	registry.Register(models.ProviderTypeExchange, provider.NewIMAPClient)
	registry.Register(models.ProviderTypeGmail, provider.NewGmailClient)

	// Event bus feeding the websocket stream
	eventBus := services.NewEventBus()

	// Sync operation manager; registers its processors before the queue
	// manager starts workers
	syncManager, err := services.NewSyncManager(queueManager, registry, accountRepo, emailRepo, webhookRepo, cfg.Webhook, eventBus)
	if err != nil {
		log.Fatalf("Failed to build sync manager: %v", err)
	}

	// Batch analysis pipeline
	aiProvider := services.NewAIProvider(cfg.AI)
	extractor := services.NewExtractorService()
	analyzer := services.NewEmailAnalyzer(aiProvider, extractor, emailRepo, analysisRepo, cfg.AI)
	rateLimiter := services.NewRateLimiter(cfg.RateLimit, nil)
	batchProcessor, err := services.NewBatchProcessor(analyzer, rateLimiter, analysisRepo, batchJobRepo, queueManager, eventBus, nil)
	if err != nil {
		log.Fatalf("Failed to build batch processor: %v", err)
	}

	// Start the scheduling core
	if err := queueManager.Initialize(); err != nil {
		log.Fatalf("Failed to initialize queue manager: %v", err)
	}
	batchProcessor.Start()

	// Background tickers: periodic sync pass and retention cleanup
	tickersDone := make(chan struct{})
	go runTickers(syncManager, batchProcessor, tickersDone)

	// HTTP surface
	apiHandler := api.NewAPIHandler(syncManager, batchProcessor, queueManager, accountRepo, batchJobRepo)
	eventStream := api.NewEventStreamHandler(eventBus)
	router := api.NewRouter(apiHandler, eventStream)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		mainLogger.Info("Server is running on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-stop
	mainLogger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Warn("HTTP server shutdown: %v", err)
	}

	close(tickersDone)
	batchProcessor.Stop()
	if err := queueManager.Shutdown(); err != nil {
		mainLogger.Warn("Queue manager shutdown: %v", err)
	}

	mainLogger.Info("Shutdown complete")
}

func queueDefinition(name string, cfg config.QueueConfig) queue.QueueDefinition {
	return queue.QueueDefinition{
		Name:        name,
		Concurrency: cfg.Concurrency,
		DefaultOptions: queue.JobOptions{
			Attempts: cfg.Attempts,
			Backoff: queue.BackoffPolicy{
				Type:  queue.BackoffType(cfg.BackoffType),
				Delay: cfg.BackoffDelay,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     5000,
		},
		StallInterval: 30 * time.Second,
	}
}

// runTickers drives the cron-style passes: periodic account sync every
// minute, retention cleanup every hour.
func runTickers(syncManager *services.SyncManager, batchProcessor *services.BatchProcessor, done <-chan struct{}) {
	logger := utils.NewLogger("Tickers")
	syncTicker := time.NewTicker(1 * time.Minute)
	cleanupTicker := time.NewTicker(1 * time.Hour)
	defer syncTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-syncTicker.C:
			if err := syncManager.SchedulePeriodicSync(context.Background()); err != nil {
				logger.Warn("Periodic sync pass failed: %v", err)
			}
		case <-cleanupTicker.C:
			evictedOps := syncManager.CleanupCompletedOperations()
			evictedJobs := batchProcessor.CleanupCompletedJobs(0)
			logger.Debug("Retention pass evicted %d operations, %d batch jobs", evictedOps, evictedJobs)
		}
	}
}
