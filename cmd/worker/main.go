package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/logging"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker reconciles courses after redemptions and periodically rebuilds
// student attendance mirrors.
func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	reg := metrics.NewRegistry()
	ledger := newLedger(db.Client, cfg.StorageTimeout, logger.Named("ledger"), reg)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	msrv := metricsServer(":"+cfg.WorkerMetricsPort, reg)
	go func() {
		logger.Info("serving worker metrics", zap.String("addr", msrv.Addr))
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = msrv.Shutdown(shutdownCtx)
	}()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() {
		n, err := ledger.RebuildAllMirrors(ctx)
		if err != nil {
			logger.Warn("mirror rebuild incomplete", zap.Int("rebuilt", n), zap.Error(err))
			return
		}
		logger.Info("mirrors rebuilt", zap.Int("students", n))
	}); err != nil {
		logger.Fatal("invalid reconcile schedule", zap.String("schedule", cfg.ReconcileSchedule), zap.Error(err))
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if cfg.QueueBackend == "memory" {
		logger.Warn("memory queue is process-local; only scheduled jobs run")
		<-ctx.Done()
		return
	}

	rq := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	rq.OnError = func(err error) { logger.Warn("queue read failed", zap.Error(err)) }
	messages, err := rq.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started", zap.String("schedule", cfg.ReconcileSchedule))
	for msg := range messages {
		handle(ctx, ledger, logger, msg)
	}
	logger.Info("worker stopped")
}

func newLedger(db *gorm.DB, timeout time.Duration, logger *zap.Logger, reg prometheus.Registerer) *attendance.Service {
	return attendance.NewService(attendance.NewRepository(db), attendance.Options{
		Timeout:  timeout,
		Recorder: metrics.New(reg),
		Logger:   logger,
	})
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func handle(ctx context.Context, ledger *attendance.Service, logger *zap.Logger, msg queue.Message) {
	if msg.Type != attendance.EventRedeemed {
		logger.Debug("ignoring message", zap.String("type", msg.Type))
		return
	}
	var ev attendance.RedemptionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		logger.Warn("bad redemption event", zap.Error(err))
		return
	}
	rc, err := ledger.Reconcile(ctx, ev.CourseCode)
	if err != nil {
		logger.Warn("reconcile failed", zap.String("course_code", ev.CourseCode), zap.Error(err))
		return
	}
	logger.Debug("course reconciled",
		zap.String("course_code", rc.CourseCode),
		zap.Int64("used_tokens", rc.UsedTokens),
		zap.Int64("records", rc.Records),
		zap.Bool("consistent", rc.Consistent))
}
