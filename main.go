package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"

	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/fanout"
	"messaging-service/internal/handlers"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/notify"
	"messaging-service/internal/obs"
	"messaging-service/internal/observability"
	"messaging-service/internal/profile"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := obs.NewLogger(cfg.Env)

	shutdownTracer, err := initTracer(context.Background(), cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer auditPublisher.Close()
	logger.Info("audit publisher initialized", "mode", rabbitmq.PublisherMode(auditPublisher))
	emitter := telemetry.NewAuditEmitter(auditPublisher, "audit.messaging", "messaging-service", cfg.Env)

	if eventsPublisher, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange); err == nil {
		observability.SetPublisher(eventsPublisher)
		defer eventsPublisher.Close()
	} else {
		logger.Warn("ws event publishing disabled", "error", err)
	}

	notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer notifier.Close()

	resolver := profile.NewHTTPResolver(cfg.UserServiceURL, 3*time.Second)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	participantRepo := repositories.NewParticipantRepo(database)

	hub := fanout.NewHub()

	facade := messaging.NewFacade(conversationRepo, messageRepo, participantRepo, hub, resolver, notifier, logger, messaging.Options{
		SendTimeout:       cfg.SendTimeout,
		MessagesPerMinute: cfg.MessagesPerMinute,
	})

	conversationHandler := handlers.NewConversationHandler(facade)
	messageHandler := handlers.NewMessageHandler(facade)
	wsHandler := ws.NewHandler(facade, cfg.JWTSecret)

	if cfg.Env != "dev" && cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("messaging-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, emitter, cfg.DebugRoutes)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)

	router.GET("/conversations", authMiddleware, conversationHandler.List)
	router.POST("/conversations", authMiddleware, conversationHandler.Open)
	router.GET("/conversations/:conversation_id", authMiddleware, conversationHandler.Get)
	router.POST("/conversations/:conversation_id/read", authMiddleware, conversationHandler.MarkRead)
	router.POST("/conversations/:conversation_id/archive", authMiddleware, conversationHandler.Archive)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, messageHandler.ListPage)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, messageHandler.Post)
	router.PATCH("/conversations/:conversation_id/messages/:message_id", authMiddleware, messageHandler.Edit)
	router.DELETE("/conversations/:conversation_id/messages/:message_id", authMiddleware, messageHandler.Delete)
	router.GET("/conversations/:conversation_id/search", authMiddleware, messageHandler.Search)
	router.GET("/unread", authMiddleware, conversationHandler.TotalUnread)

	router.GET("/ws/conversations/:conversation_id", wsHandler.HandleConversation)
	router.GET("/ws/inbox", wsHandler.HandleInbox)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logger.Info("messaging service listening", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(ctx)
	}
}

func initTracer(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("messaging-service"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
