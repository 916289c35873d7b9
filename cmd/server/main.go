package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay-backend/internal/api"
	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/crypto"
	"chatrelay-backend/internal/events"
	"chatrelay-backend/internal/handlers"
	"chatrelay-backend/internal/logging"
	"chatrelay-backend/internal/relay"
	"chatrelay-backend/internal/services"
	"chatrelay-backend/internal/store"
	"chatrelay-backend/internal/store/memory"
	"chatrelay-backend/internal/store/mongodb"
	"chatrelay-backend/internal/store/postgres"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.IsDevelopment(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to build logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	logger.Info("starting chat relay backend", zap.String("env", cfg.AppEnv), zap.String("store", cfg.StoreDriver))

	// 2. Initialize Storage
	setupCtx, setupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer setupCancel()

	st, err := openStore(setupCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}

	// --- Message Cipher ---
	key, err := crypto.DeriveKey(cfg.EncryptionKey, cfg.EncryptionSalt)
	if err != nil {
		logger.Fatal("failed to derive encryption key", zap.Error(err))
	}
	cipher, err := crypto.NewCipher(cfg.EncryptionAlgorithm, key)
	if err != nil {
		logger.Fatal("failed to create message cipher", zap.Error(err))
	}
	logger.Info("message cipher initialized", zap.String("algorithm", cipher.Algorithm()))

	// 3. Initialize Relay (fan-out + events)
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	hub := relay.NewHub()
	var broadcaster relay.Broadcaster = relay.NewLocalBroadcaster(hub)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(setupCtx).Err(); err != nil {
			logger.Fatal("unable to ping redis", zap.Error(err))
		}
		rb := relay.NewRedisBroadcaster(redisClient, hub, cfg.RedisChannelPrefix, logger)
		go func() {
			if err := rb.Run(runCtx); err != nil {
				logger.Error("redis fanout stopped", zap.Error(err))
			}
		}()
		broadcaster = rb
		logger.Info("cross-instance fanout enabled", zap.String("prefix", cfg.RedisChannelPrefix))
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicMessageCreated)
		logger.Info("message events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopicMessageCreated))
	}

	chatRelay := relay.New(hub, st, cipher, broadcaster, publisher, logger, relay.Options{
		MaxContentLength: cfg.WSMaxContentLength,
		PersistTimeout:   cfg.PersistTimeout,
		PublishTimeout:   cfg.PublishTimeout,
		SendBuffer:       cfg.WSSendBuffer,
	})

	// --- Services & Handlers ---
	chatService := services.NewChatService(st, cipher, chatRelay, logger)
	chatHandler := handlers.NewChatHandlers(chatService, logger)
	wsHandler := handlers.NewWSHandler(chatRelay, cfg.JWTSecret, cfg.CORSAllowedOrigins, relay.ConnOptions{
		PingInterval:    cfg.WSPingInterval,
		WriteDeadline:   cfg.WSWriteDeadline,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}, logger)

	// 4. Setup Router & Inject Dependencies
	router := api.NewRouter(api.RouterDependencies{
		ChatHandler: chatHandler,
		WSHandler:   wsHandler,
		Config:      cfg,
		Logger:      logger,
	})

	// 5. Configure and Start HTTP Server
	// No WriteTimeout: websocket connections are long-lived and manage their own deadlines.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("could not listen", zap.String("port", cfg.HTTPPort), zap.Error(err))
		}
	}()

	<-stopChan
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown does not wait for hijacked connections, so close sessions first.
	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server graceful shutdown failed", zap.Error(err))
	}
	stopRun()
	chatRelay.Wait()
	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close event publisher", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := st.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
	logger.Info("server shutdown complete")
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := postgres.NewPostgresStore(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("postgres store initialized")
		return pg, nil

	case config.StoreDriverMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		ms := mongodb.NewMongoStore(client, cfg.MongoDatabase, logger)
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close(ctx)
			return nil, err
		}
		logger.Info("mongo store initialized", zap.String("database", cfg.MongoDatabase))
		return ms, nil

	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
