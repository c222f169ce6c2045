package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/logging"
	"classattend/internal/principal"
	"classattend/internal/store"
)

// createadmin bootstraps the first admin account from ADMIN_EMAIL,
// ADMIN_PASSWORD and ADMIN_TYPE. Running it again is a no-op.
func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(principal.Models()...); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}

	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
	svc := principal.NewService(principal.NewRepository(db.Client), issuer, cfg.StorageTimeout)
	created, err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminType)
	if err != nil {
		logger.Fatal("create admin failed", zap.Error(err))
	}
	if !created {
		logger.Info("admin already exists", zap.String("email", cfg.AdminEmail))
		return
	}
	logger.Info("admin created", zap.String("email", cfg.AdminEmail), zap.String("type", cfg.AdminType))
}
