// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/bid-forge/internal/attachment"
	"github.com/yourusername/bid-forge/internal/auth"
	"github.com/yourusername/bid-forge/internal/config"
	"github.com/yourusername/bid-forge/internal/database"
	"github.com/yourusername/bid-forge/internal/logger"
	"github.com/yourusername/bid-forge/internal/market"
	"github.com/yourusername/bid-forge/internal/metrics"
	"github.com/yourusername/bid-forge/internal/queue"
	"github.com/yourusername/bid-forge/internal/ratelimit"
	"github.com/yourusername/bid-forge/internal/storage"
)

const (
	serviceName    = "bid-forge-api"
	serviceVersion = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bid-forge-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.GinMode != gin.ReleaseMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// データベース
	if cfg.AutoMigrate {
		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis（通知の受信箱と Asynq で共用）
	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	queueManager, inbox, err := setupQueue(cfg, redisClient, log)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	authManager := auth.NewManager(auth.NewSQLStore(db), log)
	authManager.StartCleanup(ctx, 5*time.Minute)
	marketService := market.NewService(market.NewStore(db), queueManager, log)
	if err := queueManager.RegisterSweeper(marketService); err != nil {
		return err
	}

	files, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	attachmentService := attachment.NewService(
		attachment.NewStore(db),
		files,
		marketService,
		attachment.Options{MaxFileSize: cfg.MaxFileSize, MaxPages: cfg.MaxPages},
		log,
	)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, auth.ContextUserKey)
	limiter.StartCleanup(ctx, time.Minute)

	router := newRouter(cfg, log)
	setupRoutes(router, routeDeps{
		db:          db,
		redis:       redisClient,
		auth:        authManager,
		limiter:     limiter,
		market:      marketService,
		attachments: attachmentService,
		inbox:       inbox,
	})

	queueManager.StartWorkers()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown failed", "error", err)
	}
	// 進行中のタスクを待ってから接続を閉じる
	if err := queueManager.Shutdown(shutdownCtx); err != nil {
		log.Warnw("queue shutdown failed", "error", err)
	}
	return nil
}

func newRouter(cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.Middleware(log.Named("http"), auth.ContextUserKey))
	router.Use(metrics.Middleware())

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "X-Attachment-Id"}
	router.Use(cors.New(corsConfig))

	return router
}

type routeDeps struct {
	db          *sqlx.DB
	redis       *redis.Client
	auth        *auth.Manager
	limiter     *ratelimit.Limiter
	market      *market.Service
	attachments *attachment.Service
	inbox       *queue.Inbox
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, deps routeDeps) {
	router.GET("/health", healthHandler(deps.db, deps.redis))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/register", deps.auth.Register)
			authRoutes.POST("/login", deps.auth.Login)
			authRoutes.POST("/logout",
				deps.auth.RequireLogin(),
				deps.auth.VerifyCSRF(),
				deps.auth.Logout,
			)
			authRoutes.GET("/me", deps.auth.RequireLogin(), deps.auth.Me)
		}

		// レート制限はログイン後に適用し、ユーザー単位で数える
		protected := api.Group("")
		protected.Use(deps.auth.RequireLogin(), deps.limiter.Middleware(), deps.auth.VerifyCSRF())
		{
			market.NewHandler(deps.market).RegisterRoutes(protected)
			attachment.NewHandler(deps.attachments).RegisterRoutes(protected)
			protected.GET("/companies/:id/notifications", notificationsHandler(deps.market, deps.inbox))
			protected.DELETE("/companies/:id/notifications", clearNotificationsHandler(deps.market, deps.inbox))
		}
	}
}

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
func healthHandler(db *sqlx.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"database": "ok", "redis": "ok"}
		if err := db.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = "unavailable"
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			checks["redis"] = "unavailable"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": serviceName,
			"version": serviceVersion,
			"checks":  checks,
		})
	}
}
