package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"estate-chat/internal/config"
	"estate-chat/internal/db"
	"estate-chat/internal/directory"
	"estate-chat/internal/handlers"
	"estate-chat/internal/kafka"
	"estate-chat/internal/latch"
	"estate-chat/internal/middleware"
	"estate-chat/internal/obs"
	"estate-chat/internal/observability"
	"estate-chat/internal/rabbitmq"
	"estate-chat/internal/realtime"
	"estate-chat/internal/repositories"
	"estate-chat/internal/telemetry"
	"estate-chat/internal/thread"
	"estate-chat/internal/ws"
)

const serviceName = "estate-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracer(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	database, err := db.Connect(cfg.DBDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	sendLatch, closeLatch := newSendLatch(ctx, cfg, logger)
	defer closeLatch()

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	listingRepo := repositories.NewListingRepo(database)

	hub := ws.NewHub(publisher, logger)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Env, logger)
	events := telemetry.NewEventEmitter(publisher, serviceName, logger)

	directorySvc := directory.NewService(conversationRepo, messageRepo, listingRepo, listingRepo, cfg.EnrichWorkers, logger)
	threadSvc := thread.NewService(conversationRepo, messageRepo, listingRepo, sendLatch, hub, events, logger)

	broker := realtime.NewBroker(0)
	listener := realtime.NewPGListener(cfg.DBDSN, cfg.ListenerMinWait, cfg.ListenerMaxWait, broker, logger)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error("change listener stopped", "error", err)
		}
	}()

	verifier := middleware.NewJWTVerifier(cfg.JWTSecret)
	conversationHandler := handlers.NewConversationHandler(directorySvc, threadSvc, audit, logger)
	threadWS := ws.NewThreadWebSocketHandler(hub, conversationRepo, verifier, cfg.CORSOrigins)
	directoryWS := ws.NewDirectoryWebSocketHandler(hub, directorySvc, broker, verifier, cfg.CORSOrigins, logger)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", handlers.Healthz(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, publisher, cfg.DebugRoutes)

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/conversations", authMiddleware, conversationHandler.ListConversations)
	router.POST("/conversations", authMiddleware, conversationHandler.StartConversation)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.PostMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, conversationHandler.MarkRead)

	router.GET("/ws/conversations", directoryWS.Handle)
	router.GET("/ws/conversations/:conversation_id", threadWS.Handle)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("http server starting",
		"port", cfg.Port,
		"env", cfg.Env,
		"events_backend", cfg.EventsBackend,
		"publisher_mode", rabbitmq.PublisherMode(publisher),
		"publisher_noop_reason", rabbitmq.PublisherNoopReason(publisher),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

// newPublisher picks the event backend. Broker failures degrade to the noop publisher.
func newPublisher(cfg config.Config, logger *slog.Logger) rabbitmq.Publisher {
	switch cfg.EventsBackend {
	case "kafka":
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicPfx, nil, logger)
		if err != nil {
			logger.Warn("kafka disabled, using noop", "brokers", strings.Join(cfg.KafkaBrokers, ","), "error", err)
			return rabbitmq.NewNoopPublisher(err.Error(), logger)
		}
		logger.Info("kafka producer connected", "brokers", strings.Join(cfg.KafkaBrokers, ","))
		return producer
	case "noop":
		return rabbitmq.NewNoopPublisher("disabled by config", logger)
	default:
		return rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	}
}

// newSendLatch uses Redis when configured so that all replicas share one latch.
func newSendLatch(ctx context.Context, cfg config.Config, logger *slog.Logger) (latch.Latch, func()) {
	if cfg.RedisURL == "" {
		return latch.NewMemory(), func() {}
	}
	redisLatch, err := latch.NewRedis(ctx, cfg.RedisURL, cfg.SendLatchTTL)
	if err != nil {
		logger.Warn("redis latch unavailable, using in-memory latch", "error", err)
		return latch.NewMemory(), func() {}
	}
	logger.Info("redis send latch enabled", "ttl", cfg.SendLatchTTL)
	return redisLatch, func() { _ = redisLatch.Close() }
}
