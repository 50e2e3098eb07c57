package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"deploy-deadman/internal/config"
	"deploy-deadman/internal/db"
	"deploy-deadman/internal/email"
	apihttp "deploy-deadman/internal/http"
	"deploy-deadman/internal/repository"
	"deploy-deadman/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	userRepo := repository.NewPgUserRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)
	snapshotRepo := repository.NewPgSnapshotRepository(pool)

	emailSender := email.NewDisabledSender("email sender not configured")
	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS, cfg.AppURL)
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			emailSender = sender
		}
	}

	var (
		loginLimiter service.RateLimiter
		tokenStore   service.RefreshTokenStore
		tokens       service.TokenRegistry
		redisClient  *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			loginLimiter = service.NewRedisRateLimiter(redisClient, 10*time.Minute, 5)
			tokenStore = service.NewRedisRefreshTokenStore(redisClient)
			tokens = service.NewRedisTokenRegistry(redisClient, 0)
		}
		cancel()
	}
	if tokens == nil {
		tokens = service.NewMemoryTokenRegistry()
	}

	jwtSvc := service.NewJWTServiceWithStore(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLMinutes)*time.Minute,
		tokenStore,
	)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured")
	}

	manager := service.NewSessionManager(
		logger,
		tokens,
		emailSender,
		snapshotRepo,
		time.Duration(cfg.ExpiryPollSeconds)*time.Second,
		time.Duration(cfg.SnapshotSweepMinutes)*time.Minute,
	)
	defer manager.Close()

	// La recuperacion corre contra la base ya lista, antes de servir trafico.
	if err := db.WaitReady(ctx, pool, 10, 2*time.Second); err != nil {
		logger.Fatal("db not ready", zap.Error(err))
	}
	recovery := service.NewRecoveryCoordinator(logger, manager, snapshotRepo, messageRepo)
	if err := recovery.RecoverAll(ctx); err != nil {
		logger.Fatal("session recovery failed", zap.Error(err))
	}

	userSvc := service.NewUserService(logger, userRepo, loginLimiter)
	authHandler := apihttp.NewAuthHandler(logger, userSvc, jwtSvc)
	deadmanHandler := apihttp.NewDeadmanHandler(logger, manager, messageRepo)
	router := apihttp.NewRouter(logger, jwtSvc, authHandler, deadmanHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
