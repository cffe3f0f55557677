package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	dbkafka "github.com/helloemzy/personal-brand-dna-sub000/internal/database/kafka"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/database/mongo"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/discovery/etcd"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/orchestrator"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.Init(logLevel)
	serviceLogger := logger.New("orchestrator", "", "")

	// Message bus over the shared Kafka client
	kafkaClient, err := dbkafka.GetClient(&cfg.Databases.Kafka)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to Kafka")
	}
	messageBus := bus.NewKafkaBus(kafkaClient, serviceLogger)

	// Task store in MongoDB
	taskStore, err := store.NewMongoStore(&cfg.Databases.MongoDB)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to MongoDB")
	}
	serviceLogger.Info("Successfully connected to MongoDB")

	// Agent registry fed by heartbeats
	heartbeatInterval := config.ParseDuration(cfg.Agents.NewsMonitor.HeartbeatInterval, 10*time.Second)
	registry := agent.NewRegistry(heartbeatInterval, cfg.Orchestrator.HeartbeatMissThreshold)

	// Seed the registry from etcd so instances that registered before this
	// process started receive work without waiting for their next heartbeat.
	discovery, err := etcd.NewServiceDiscovery(cfg.Databases.Etcd.Endpoints)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Service discovery unavailable, relying on heartbeats only")
	} else {
		defer discovery.Close()
		for _, agentType := range models.AllAgentTypes() {
			ids, err := discovery.Discover(string(agentType))
			if err != nil {
				serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to discover agents of type " + string(agentType))
				continue
			}
			registry.Seed(agentType, ids, cfg.Agents.ForType(agentType).Capacity)
		}
	}

	orch := orchestrator.New(messageBus, taskStore, registry, cfg)

	// HTTP API
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	orchestrator.RegisterRoutes(router, orchestrator.NewAPI(orch))

	srv := &http.Server{
		Addr:    cfg.Orchestrator.ServerAddress,
		Handler: router,
	}
	go func() {
		serviceLogger.Info("Starting HTTP server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Orchestrator stopped with error")
	}

	// Graceful shutdown
	serviceLogger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("HTTP server forced to shutdown")
	}
	if err := messageBus.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing message bus")
	}
	if err := mongo.Close(context.Background()); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error disconnecting from MongoDB")
	}

	serviceLogger.Info("Orchestrator gracefully stopped")
}
