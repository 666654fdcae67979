package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/engine"
	"roomcast/internal/infrastructure/events"
	"roomcast/internal/infrastructure/media"
	"roomcast/internal/infrastructure/monitoring"
	signalserver "roomcast/internal/infrastructure/signal"
	"roomcast/pkg/config"
	apperrors "roomcast/pkg/errors"
	"roomcast/pkg/logger"
	"roomcast/pkg/tracing"
	"roomcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	instanceID := utils.GenerateInstanceID()
	log.Infow("starting roomcast signaling server", "instance_id", instanceID)

	// Tracing
	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			JaegerURL:   cfg.Tracing.JaegerURL,
			Environment: cfg.Tracing.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Fatalw("failed to initialize tracing", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Errorw("error shutting down tracer", "error", err)
			}
		}()
	}

	// Media engine worker
	engineCfg := engine.Config{
		ListenIP:                        cfg.WebRTC.ListenIP,
		AnnouncedIP:                     cfg.WebRTC.AnnouncedIP,
		InitialAvailableOutgoingBitrate: cfg.WebRTC.InitialAvailableOutgoingBitrate,
		MinimumAvailableOutgoingBitrate: cfg.WebRTC.MinimumAvailableOutgoingBitrate,
		MaxIncomingBitrate:              cfg.WebRTC.MaxIncomingBitrate,
	}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	eng, err := engine.New(engineCfg, log)
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}

	// Engine death is unrecoverable. Give in-flight log writes a moment,
	// then exit so the supervisor restarts the process.
	go func() {
		<-eng.Died()
		log.Errorw("media engine died, exiting in 2 seconds")
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}()

	// Monitoring
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Event sink: Redis bus when configured, structured log otherwise.
	var sink ports.EventSink
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
		}
		cancel()
		sink = events.NewEventBus(redisClient, instanceID, log)
		log.Infow("redis event bus enabled", "address", cfg.Redis.Address)
	} else {
		sink = events.NewLogSink(instanceID, log)
	}

	// Quality control
	policy := services.NewQualityPolicy(services.QualityThresholds{
		PacketLoss:       cfg.Quality.PacketLossThreshold,
		BitrateFloorKbps: cfg.Quality.BitrateFloorKbps,
		Latency:          cfg.Quality.LatencyThreshold,
	})
	controller := services.NewQualityController(policy, sink, collector, log, cfg.Quality.CheckInterval)

	// Room service
	rooms := media.NewRoomService(eng, controller, sink, collector, log, media.Options{
		ConnectTimeout: cfg.WebRTC.ConnectTimeout,
		IdleTTL:        cfg.Rooms.IdleTTL,
		ReapInterval:   cfg.Rooms.ReapInterval,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	rooms.StartReaper(rootCtx)

	// Signaling server
	wsServer := signalserver.NewServer(rooms, collector, log, signalserver.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
		HandshakeSecret:   cfg.Signal.HandshakeSecret,
	})

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": len(wsServer.ConnectedPeers()),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		select {
		case <-eng.Died():
			c.JSON(503, gin.H{
				"status": "not_ready",
				"error":  "media engine is down",
			})
			return
		default:
		}

		if redisClient != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				c.JSON(503, gin.H{
					"status": "not_ready",
					"error":  err.Error(),
				})
				return
			}
		}

		c.JSON(200, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", func(c *gin.Context) {
			c.JSON(200, gin.H{"rooms": rooms.Rooms(c.Request.Context())})
		})
		api.DELETE("/rooms/:id", func(c *gin.Context) {
			roomID := c.Param("id")
			if err := rooms.RemoveRoom(c.Request.Context(), domain.RoomID(roomID)); err != nil {
				appErr := apperrors.FromDomain(err)
				c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
				return
			}
			c.Status(204)
		})
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting roomcast signaling server on %s", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down roomcast signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Drop every peer, cascade-close every room, then the engine worker.
	wsServer.CloseConnections()
	rootCancel()
	rooms.Close(shutdownCtx)

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing redis client", "error", err)
		}
	}

	log.Info("roomcast signaling server stopped")
}
