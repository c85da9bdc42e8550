package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/config"
	"chat-timeline/internal/handlers"
	"chat-timeline/internal/logging"
	"chat-timeline/internal/middleware"
	"chat-timeline/internal/observability"
	"chat-timeline/internal/rabbitmq"
	"chat-timeline/internal/session"
	"chat-timeline/internal/telemetry"
	"chat-timeline/internal/timeline"
	"chat-timeline/internal/transport"
	"chat-timeline/internal/ws"
)

func main() {
	flags := pflag.NewFlagSet("chat-timeline", pflag.ExitOnError)
	configPath := flags.String("config", getEnv("TIMELINE_CONFIG", ""), "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	channelID := flags.String("channel", "", "channel to open on start")
	parentID := flags.String("thread", "", "thread parent message id to open on start")
	userID := flags.String("user", "", "current user id")
	addr := flags.String("addr", "", "HTTP listen address")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("dotenv", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if flags.Changed("channel") {
		cfg.Timeline.ChannelID = *channelID
	}
	if flags.Changed("thread") {
		cfg.Timeline.ParentID = *parentID
	}
	if flags.Changed("user") {
		cfg.Timeline.UserID = *userID
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		slog.Error("logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	backendFormat, _ := codec.ParseFormat(cfg.Backend.Codec)
	telemetryFormat, _ := codec.ParseFormat(cfg.Telemetry.Codec)

	fetcher, err := transport.NewHTTPFetcher(transport.HTTPConfig{
		BaseURL:           cfg.Backend.BaseURL,
		Token:             cfg.Backend.Token,
		UserID:            cfg.Timeline.UserID,
		Format:            backendFormat,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	})
	if err != nil {
		logger.Error("failed to build history fetcher", "error", err)
		os.Exit(1)
	}
	events, err := transport.NewWSEventSource(transport.WSConfig{
		URL:    cfg.EventsURL(),
		Token:  cfg.Backend.Token,
		UserID: cfg.Timeline.UserID,
		Format: backendFormat,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build event source", "error", err)
		os.Exit(1)
	}

	publisher := rabbitmq.NewPublisher(cfg.Telemetry.AMQPURL, cfg.Telemetry.Exchange, telemetryFormat, logger)
	defer publisher.Close()
	logger.Info("telemetry publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))

	source := telemetry.Source{Service: cfg.Telemetry.ServiceName, Environment: cfg.Telemetry.Environment}
	audit := telemetry.NewAuditEmitter(publisher, cfg.Telemetry.AuditRoutingKey, source, logger)
	feed := telemetry.NewChangeFeed(publisher, cfg.Telemetry.ChangesRoutingKey, source, cfg.Telemetry.FeedBuffer, logger)
	hub := ws.NewHub(telemetry.NewConnEmitter(publisher, cfg.Telemetry.WSRoutingKey, source, logger), logger)

	presenterOpts := cfg.PresenterOptions()
	presenterOpts.Logger = logger
	sess := session.New(fetcher, events, session.Config{
		Presenter:     presenterOpts,
		MaxRetries:    cfg.Timeline.MaxRetries,
		RetryInterval: cfg.Timeline.RetryInterval,
		Logger:        logger,
	})

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- sess.Run(ctx) }()
	go feed.Run(ctx)

	for _, o := range []session.Observer{hub, feed} {
		if err := sess.AddObserver(ctx, o); err != nil {
			logger.Error("failed to register observer", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Timeline.ChannelID != "" {
		scope := timeline.Scope{ChannelID: cfg.Timeline.ChannelID, ParentID: cfg.Timeline.ParentID}
		if err := sess.SwitchScope(ctx, scope, nil); err != nil {
			logger.Error("failed to open scope", "scope", scope.String(), "error", err)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "renderers": hub.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("", middleware.TokenAuth(cfg.Server.Token, cfg.Timeline.UserID))
	handlers.NewTimelineHandler(sess, audit).Register(api)
	api.GET("/ws/timeline", ws.NewTimelineWebSocketHandler(hub, sess, logger).Handle)
	handlers.RegisterDebugRoutes(api, audit, feed, cfg.Server.DebugRoutes)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := <-sessionDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session stopped", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
