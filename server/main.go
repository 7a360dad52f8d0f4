package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/assessment"
	"github.com/san-kum/emergency-monitor/server/backend"
	"github.com/san-kum/emergency-monitor/server/cache"
	"github.com/san-kum/emergency-monitor/server/capture"
	"github.com/san-kum/emergency-monitor/server/config"
	"github.com/san-kum/emergency-monitor/server/emitter"
	"github.com/san-kum/emergency-monitor/server/handlers"
	"github.com/san-kum/emergency-monitor/server/livefeed"
	"github.com/san-kum/emergency-monitor/server/media"
	"github.com/san-kum/emergency-monitor/server/middleware"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/monitor"
	"github.com/san-kum/emergency-monitor/server/schedule"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	config      *config.Config
	client      *backend.Client
	hub         *handlers.Hub
	session     *monitor.Session
	capture     *capture.Scheduler
	feed        *livefeed.Poller
	cache       cache.Cache
	rateLimiter *middleware.RateLimiter
	sinks       emitter.Multi
	stopHealth  context.CancelFunc
}

func main() {
	issueToken := flag.String("issue-token", "", "print a dashboard token for the given role (operator or viewer) and exit")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "lifetime of an issued token")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL, logger); err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		return
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// Blocking assessments and report downloads can take as long as the
	// assessment service allows.
	if srv.WriteTimeout > 0 && srv.WriteTimeout < cfg.Backend.Timeout {
		srv.WriteTimeout = cfg.Backend.Timeout + 10*time.Second
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("video_source", cfg.Monitoring.Source),
			zap.String("backend", cfg.Backend.BaseURL))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if cfg.Monitoring.AutoStartFeed {
		server.startFeed()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = level
	}
	return zapConfig.Build()
}

func printToken(cfg *config.Config, role string, ttl time.Duration, logger *zap.Logger) error {
	if cfg.Security.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is not set")
	}
	if role != middleware.RoleOperator && role != middleware.RoleViewer {
		return fmt.Errorf("unknown role %q", role)
	}
	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, true, logger)
	token, err := auth.GenerateToken(role, role, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	clientConfig := backend.DefaultClientConfig()
	clientConfig.APIPrefix = cfg.Backend.APIPrefix
	clientConfig.Timeout = cfg.Backend.Timeout
	clientConfig.MaxRetries = cfg.Backend.MaxRetries
	clientConfig.RetryDelay = cfg.Backend.RetryDelay
	clientConfig.HealthCheckInterval = cfg.Backend.HealthCheckInterval

	client, err := backend.NewClient(cfg.Backend.BaseURL, clientConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	var provider media.Provider
	var camera *media.PushProvider
	switch cfg.Monitoring.Source {
	case "files":
		provider = media.NewFileProvider(cfg.Monitoring.SnapshotDir)
	default:
		camera = media.NewPushProvider(cfg.Monitoring.FrameMaxAge)
		provider = camera
	}

	sinks, sinkStats, err := newSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	var sink alerts.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	hub := handlers.NewHub(camera, cfg.Security.AllowedOrigins, logger)
	clock := schedule.NewTickerScheduler()

	scheduler := capture.NewScheduler(clock, hub, capture.Config{
		CaptureTimeout: cfg.Monitoring.CaptureTimeout,
		RequestTimeout: cfg.Backend.Timeout,
	}, logger)
	session := monitor.NewSession(provider, scheduler, analyzeFrame(client, cfg.Monitoring.PatientConscious),
		cfg.Monitoring.CaptureInterval, hub, logger)

	feed := livefeed.NewPoller(clock, alerts.NewHistory(cfg.Alerts.HistoryCapacity), sink, hub, cfg.Backend.Timeout, logger)
	assessor := assessment.NewController(clock, submitAssessment(client), client.DownloadReport, hub, assessment.Config{
		StageInterval: cfg.Monitoring.StageInterval,
		Timeout:       cfg.Backend.Timeout,
	}, logger)

	statusCache := cache.NewMemoryCache(100, cfg.Backend.StatusCacheTTL, logger)
	rateLimiter := middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, cfg.Security.RequireAuth, logger)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	client.StartHealthChecker(healthCtx)

	api := handlers.NewAPIHandler(handlers.APIDeps{
		Session:     session,
		Capture:     scheduler,
		Feed:        feed,
		Fetch:       client.LiveStream,
		Assessor:    assessor,
		Backend:     client,
		Cache:       statusCache,
		Hub:         hub,
		RateLimiter: rateLimiter,
		Sinks:       sinkStats,
	}, handlers.APIConfig{
		PollInterval:     cfg.Monitoring.PollInterval,
		StatusCacheTTL:   cfg.Backend.StatusCacheTTL,
		ReportDir:        cfg.Monitoring.ReportDir,
		PatientConscious: cfg.Monitoring.PatientConscious,
		MaxImageSize:     cfg.Security.MaxRequestSize,
		Constraints:      media.DefaultConstraints(),
	}, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())

	setupRoutes(router, cfg, api, hub, authMiddleware, rateLimiter)

	return &Server{
		router:      router,
		logger:      logger,
		config:      cfg,
		client:      client,
		hub:         hub,
		session:     session,
		capture:     scheduler,
		feed:        feed,
		cache:       statusCache,
		rateLimiter: rateLimiter,
		sinks:       sinks,
		stopHealth:  stopHealth,
	}, nil
}

func newSinks(cfg *config.Config, logger *zap.Logger) (emitter.Multi, map[string]handlers.StatsSource, error) {
	var sinks emitter.Multi
	stats := make(map[string]handlers.StatsSource)

	if cfg.Alerts.MQTT.Enabled {
		mqttSink := emitter.NewMQTTSink(emitter.MQTTConfig{
			Broker:      cfg.Alerts.MQTT.Broker,
			ClientID:    cfg.Alerts.MQTT.ClientID,
			TopicPrefix: cfg.Alerts.MQTT.TopicPrefix,
			Source:      cfg.Alerts.Source,
			QoSCritical: byte(cfg.Alerts.MQTT.QoSCritical),
			QoSWarning:  byte(cfg.Alerts.MQTT.QoSWarning),
			Username:    cfg.Alerts.MQTT.Username,
			Password:    cfg.Alerts.MQTT.Password,
		}, logger)
		if err := mqttSink.Connect(context.Background()); err != nil {
			logger.Warn("MQTT broker not reachable yet, alerts are dropped until it is", zap.Error(err))
		}
		sinks = append(sinks, mqttSink)
		stats["mqtt"] = mqttSink
	}

	if cfg.Alerts.Kafka.Enabled {
		kafkaSink, err := emitter.NewKafkaSink(emitter.KafkaConfig{
			Brokers: cfg.Alerts.Kafka.Brokers,
			Topic:   cfg.Alerts.Kafka.Topic,
			Source:  cfg.Alerts.Source,
		}, logger)
		if err != nil {
			sinks.Close()
			return nil, nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
		stats["kafka"] = kafkaSink
	}

	return sinks, stats, nil
}

func analyzeFrame(client *backend.Client, patientConscious bool) capture.AnalyzeFunc {
	return func(ctx context.Context, frame *media.Frame) (*models.AssessmentResponse, error) {
		return client.Assess(ctx, backend.AssessRequest{
			PatientConscious: patientConscious,
			Image:            frame.Data,
			ImageName:        frame.Filename(fmt.Sprintf("frame_%d", frame.CapturedAt.UnixMilli())),
			ImageMimeType:    frame.MimeType,
		})
	}
}

func submitAssessment(client *backend.Client) assessment.SubmitFunc {
	return func(ctx context.Context, payload assessment.Payload) (*models.AssessmentResponse, error) {
		return client.Assess(ctx, backend.AssessRequest{
			PatientConscious: payload.PatientConscious,
			Image:            payload.Image,
			ImageName:        payload.ImageName,
			ImageMimeType:    payload.MimeType,
		})
	}
}

func setupRoutes(router *gin.Engine, cfg *config.Config, api *handlers.APIHandler, hub *handlers.Hub, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter) {
	router.GET("/health", middleware.HealthCheck())

	router.GET("/ws", rateLimiter.RateLimit(), auth.RequireAuth(), hub.HandleWebSocket)

	short := middleware.TimeoutHandler(cfg.Security.RequestTimeout)
	long := middleware.TimeoutHandler(cfg.Backend.Timeout)

	group := router.Group("/api")
	group.Use(rateLimiter.RateLimit(), auth.RequireAuth())
	{
		group.GET("/health", middleware.HealthCheck())
		group.GET("/monitoring", short, api.GetMonitoring)
		group.GET("/live", short, api.GetLive)
		group.GET("/live/alerts", short, api.GetAlerts)
		group.GET("/assessment", short, api.GetAssessment)
		group.GET("/status", short, api.GetStatus)
		group.GET("/stats", short, api.GetStats)

		operator := group.Group("/")
		operator.Use(auth.RequireRole(middleware.RoleOperator))
		{
			operator.POST("/monitoring/start", short, api.StartMonitoring)
			operator.POST("/monitoring/stop", short, api.StopMonitoring)
			operator.POST("/live/start", short, api.StartLive)
			operator.POST("/live/stop", short, api.StopLive)
			operator.DELETE("/live/alerts", short, api.ClearAlerts)
			operator.POST("/assessment", rateLimiter.RateLimitWithConfig("assessment", 1, 3), long, api.SubmitAssessment)
			operator.POST("/assessment/reset", short, api.ResetAssessment)
			operator.POST("/assessment/report", long, api.DownloadReport)
			operator.POST("/chat", rateLimiter.RateLimitWithConfig("chat", 1, 5), long, api.Chat)
		}
	}

	router.Static("/static", cfg.Server.StaticDir)
	router.StaticFile("/", filepath.Join(cfg.Server.StaticDir, "index.html"))
}

func (s *Server) startFeed() {
	if err := s.feed.Start(s.config.Monitoring.PollInterval, s.client.LiveStream); err != nil {
		s.logger.Warn("Failed to start live feed", zap.Error(err))
	}
}

// Shutdown stops every loop, releases the camera and closes outbound
// connections. The HTTP server is shut down by the caller.
func (s *Server) Shutdown() {
	s.session.Close()
	s.feed.Stop()
	if err := s.capture.Shutdown(10 * time.Second); err != nil {
		s.logger.Error("Failed to drain capture queue", zap.Error(err))
	}
	s.hub.Close()
	s.stopHealth()

	if err := s.sinks.Close(); err != nil {
		s.logger.Error("Failed to close alert sinks", zap.Error(err))
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Shutdown()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
}
