package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/agents/newsmonitor"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	dbkafka "github.com/helloemzy/personal-brand-dna-sub000/internal/database/kafka"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/database/mongo"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/discovery/etcd"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	pkghttp "github.com/helloemzy/personal-brand-dna-sub000/pkg/http"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
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
	serviceLogger := logger.New(string(models.AgentTypeNewsMonitor), "", "")

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

	// Service registration in etcd
	sd, err := etcd.NewServiceDiscovery(cfg.Databases.Etcd.Endpoints)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to etcd")
	}

	// Feed sources behind the circuit-breaker HTTP client
	feedClient, err := pkghttp.NewClient(cfg.Middleware.CircuitBreaker)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create feed client")
	}
	var sources []newsmonitor.FeedSource
	for _, feed := range cfg.News.Feeds {
		sources = append(sources, newsmonitor.NewHTTPFeedSource(feed.Name, feed.URL, feedClient))
	}

	impl := newsmonitor.New(cfg.News, sources...)
	runtime := agent.New(impl, agent.Options{
		Bus:       messageBus,
		Store:     taskStore,
		Discovery: sd,
		LeaseTTL:  cfg.Databases.Etcd.LeaseTTL,
		Agent:     cfg.Agents.NewsMonitor,
		Kafka:     &cfg.Databases.Kafka,
	})

	// Health and metrics endpoints
	healthSrv, err := pkghttp.NewServer(cfg.Middleware, pkghttp.WithAddress(cfg.Agents.NewsMonitor.HealthAddress))
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create health server")
	}
	healthSrv.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := runtime.Healthy(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	healthSrv.Handle("/metrics", metrics.Handler())
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Health server failed")
		}
	}()

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.Run(ctx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Agent stopped with error")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Health server forced to shutdown")
	}
	if err := messageBus.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing message bus")
	}
	if err := sd.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing etcd client")
	}
	if err := mongo.Close(context.Background()); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error disconnecting from MongoDB")
	}

	serviceLogger.Info("Agent gracefully stopped")
}
