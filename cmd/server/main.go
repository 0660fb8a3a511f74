package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"retrieval-service/config"
	"retrieval-service/internal/api"
	"retrieval-service/internal/broker"
	"retrieval-service/internal/bus"
	"retrieval-service/internal/redisclient"
	"retrieval-service/internal/service"
	"retrieval-service/internal/socket"
	"retrieval-service/internal/store"
	"retrieval-service/internal/util"
	"retrieval-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting retrieval service", zap.String("db_driver", cfg.Database.Driver))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ds, feed, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to data store", zap.Error(err))
	}
	defer ds.Close()
	logger.Info("Data store connected", zap.String("driver", cfg.Database.Driver))

	notifications := bus.New()
	notifications.Subscribe("audit-log", bus.LogObserver(logger))

	hub := socket.NewHub()
	notifications.Subscribe("websocket", hub.Observer())

	var cache service.SnapshotCache
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
		logger.Info("Redis connected")
	}

	var events service.DecisionEventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()

		eventPublisher := broker.NewEventPublisher(producer, cfg.Kafka.TopicRetrieval)
		notifications.Subscribe("kafka", eventPublisher.Forwarder())
		events = eventPublisher
		logger.Info("Kafka producer initialized")
	}

	engine := service.NewRetrievalEngine(ds, notifications, events)
	classifier := service.NewAlertClassifier(ds, notifications, cache, cfg.Alerts.SnapshotTTL())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	alertWorker := worker.NewAlertWorker(classifier, feed, cfg.Alerts.ReclassifyInterval())
	go func() {
		if err := alertWorker.Start(workerCtx); err != nil {
			logger.Error("Alert worker error", zap.Error(err))
		}
	}()

	var inventoryWorker *worker.InventoryWorker
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicInventory, cfg.Kafka.ConsumerGroup)
		inventoryWorker = worker.NewInventoryWorker(consumer, alertWorker)
		go func() {
			if err := inventoryWorker.Start(workerCtx); err != nil {
				logger.Error("Inventory worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine, classifier, ds, hub, api.Config{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if inventoryWorker != nil {
		_ = inventoryWorker.Stop()
	}

	logger.Info("Server exited")
}

// openStore connects the configured data store and its change feed
func openStore(cfg config.DatabaseConfig) (store.DataStore, store.ChangeFeed, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.ChangeFeed(), nil

	case config.DriverMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil

	case config.DriverMemory:
		m := store.NewMemory()
		return m, m, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
