package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/api"
	"github.com/whisper/matchmaker/internal/auth"
	"github.com/whisper/matchmaker/internal/ban"
	"github.com/whisper/matchmaker/internal/config"
	"github.com/whisper/matchmaker/internal/logging"
	"github.com/whisper/matchmaker/internal/matching"
	"github.com/whisper/matchmaker/internal/messaging"
	"github.com/whisper/matchmaker/internal/moderation"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal("load config", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting matcher")

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Fatal("connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-matcher"

	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Fatal("connect to nats", zap.Error(err))
	}

	// PostgreSQL setup.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	cancel()

	if cfg.MigrateOnStart {
		if err := account.Migrate(db); err != nil {
			logger.Fatal("run migrations", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	queueStore := queue.NewStore(rdb, natsClient)
	accounts := account.NewStore(db)

	matchLog := logger.Named("matching")
	canceller := matching.NewCanceller(queueStore, accounts, matchLog)
	committer := matching.NewCommitter(queueStore, accounts, natsClient, matchLog)
	engine := matching.NewEngine(queueStore, committer, canceller, matchLog)
	bans := ban.NewStore(rdb)
	enqueuer := matching.NewEnqueuer(queueStore, accounts, matchLog,
		matching.WithBans(bans),
		matching.WithTagFilter(moderation.NewFilter()))

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := natsClient.SubscribeEntryCreated(func(entry queue.Entry) {
		engine.HandleEntryCreated(runCtx, entry)
	}); err != nil {
		logger.Fatal("subscribe to queue insertions", zap.Error(err))
	}
	if err := natsClient.SubscribeCancel(func(uid string) any {
		res, err := canceller.Cancel(runCtx, uid)
		if err != nil {
			matchLog.Warn("cancel via nats", zap.String("uid", uid), zap.Error(err))
			return messaging.CancelReply{Success: false, Message: err.Error()}
		}
		return res
	}); err != nil {
		logger.Fatal("subscribe to cancel requests", zap.Error(err))
	}

	go matching.StartSweeper(runCtx, queueStore, accounts, cfg.SweepInterval, matchLog.Named("sweeper"))

	// HTTP surface.
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(
		enqueuer,
		canceller,
		ratelimit.NewLimiter(rdb, logger),
		bans,
		accounts,
		map[string]api.HealthCheck{
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"postgres": db.PingContext,
			"nats":     natsClient.Check,
		},
		logger.Named("api"),
	)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler, auth.NewVerifier(cfg.JWTSecret)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	logger.Info("matcher running",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.Duration("sweep_interval", cfg.SweepInterval))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	natsClient.Close()
	stop()
	if err := db.Close(); err != nil {
		logger.Warn("close postgres", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		logger.Warn("close redis", zap.Error(err))
	}
}
