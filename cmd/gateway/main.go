package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/logging"
	"github.com/ridebook/gateway/pkg/persistence"
	"github.com/ridebook/gateway/pkg/router"
	"github.com/ridebook/gateway/pkg/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("gateway: failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	dsn := requireEnv(logger, "DATABASE_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	upstreamURL := requireEnv(logger, "UPSTREAM_REALTIME_URL")
	upstreamKey := requireEnv(logger, "UPSTREAM_API_KEY")
	webhookURL := requireEnv(logger, "DISPATCH_WEBHOOK_URL")
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Error("gateway: failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	store := persistence.New(db, logger)
	if err := store.Migrate(); err != nil {
		logger.Error("gateway: schema migration failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	broadcaster := dispatch.NewRedisBroadcaster(redisClient)

	dialUpstream := router.NewUpstreamDialer(upstreamURL, "Bearer "+upstreamKey)
	dispatchFactory := router.NewRedisDispatchFactory(broadcaster, &http.Client{Timeout: 35 * time.Second})

	r := router.New(dialUpstream, dispatchFactory, store, logger, session.DefaultConfig(), webhookURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.HealthHandler)
	mux.Handle("/voice", r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		logger.Info("gateway: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway: server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = redisClient.Close()
}

func requireEnv(logger interface {
	Error(msg string, args ...interface{})
}, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error("gateway: missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}
