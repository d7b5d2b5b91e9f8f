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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"channelmux/internal/audit"
	"channelmux/internal/config"
	"channelmux/internal/examples/room"
	"channelmux/internal/muxsocket"
	"channelmux/internal/presence"
	"channelmux/internal/pubsub"
	"channelmux/internal/registry"
	"channelmux/internal/transport/ws"
	"channelmux/internal/wire"
	"channelmux/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logg := logger.Setup(cfg.Log.Format, cfg.Log.Level)
	logg.Info("Starting channelmux server")

	// Redis backs the cross-node pub/sub bus.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logg.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	redisOpts.MaxRetries = cfg.Redis.MaxRetries
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisOpts.ReadTimeout = cfg.Redis.ReadTimeout
	redisOpts.WriteTimeout = cfg.Redis.WriteTimeout
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisOpts.MinIdleConns = cfg.Redis.MinIdleConns
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logg.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	bus := pubsub.NewRedisBus(redisClient, logg)
	defer bus.Close()

	// Postgres holds the presence log.
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logg.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	if err := presence.Migrate(db); err != nil {
		logg.Error("Failed to migrate presence schema", "error", err)
		os.Exit(1)
	}
	recorder := presence.NewRecorder(presence.NewRepository(db), logg)
	defer recorder.Close()

	hooks := room.Hooks{Presence: recorder}

	if cfg.Kafka.Enabled {
		producer, err := audit.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			logg.Error("Failed to connect to Kafka", "error", err)
			os.Exit(1)
		}
		auditor := audit.NewProducer(producer, cfg.Kafka.Topic, logg)
		defer auditor.Close()
		hooks.Audit = auditor
	}

	if cfg.MinIO.Enabled {
		store, err := presence.NewAttachmentStore(
			cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket, cfg.MinIO.OffloadThreshold,
		)
		if err != nil {
			logg.Error("Failed to connect to MinIO", "error", err)
			os.Exit(1)
		}
		hooks.Attachments = store
	}

	serializer := wire.NewJSONSerializer()
	reg, err := registry.NewBuilder().
		Channel("room:*", muxsocket.ChannelFactory(room.NewFactory(hooks)), registry.Options{}).
		Transport("websocket", "ws", registry.TransportConfig{
			Serializer: []registry.SerializerVersion{{Serializer: serializer, Requirement: ">= 1.0.0"}},
		}).
		Build()
	if err != nil {
		logg.Error("Invalid channel registry", "error", err)
		os.Exit(1)
	}

	upgrader := ws.NewUpgrader(cfg.Server.Origin)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", ws.Auth(cfg.JWT.Secret), func(c *gin.Context) {
		wsConn, err := upgrader.Upgrade(c.Writer, c.Request)
		if err != nil {
			logg.Warn("WebSocket upgrade failed", "error", err)
			return
		}

		params := map[string]interface{}{}
		if uid, ok := c.Get("user_id"); ok {
			params["user_id"] = uid
		}

		conn := ws.NewConn(wsConn, logg)
		mux := muxsocket.New(muxsocket.Deps{
			Registry:          reg,
			Bus:               bus,
			Serializer:        serializer,
			Sink:              conn,
			SocketHandler:     room.UserSocket{},
			Logger:            logg,
			ForceCloseTimeout: cfg.ForceCloseTimeout,
		})

		go func() {
			if err := ws.Serve(mux, conn, params); err != nil {
				logg.Error("Connection terminated with error", "error", err)
			}
		}()
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logg.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logg.Error("Server forced to shutdown", "error", err)
	}

	logg.Info("Server stopped")
}
