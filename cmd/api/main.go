// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/fetch"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/storage"
	"github.com/yourusername/media-forge/internal/vault"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Redis クライアント（ジョブ状態・トークン・イベント共用）
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)

	// コアコンポーネントの構築
	store := jobs.NewStore(rdb, cfg.JobTTL)
	events := jobs.NewEvents(rdb)
	tokens := vault.New(rdb)

	backend, err := storage.New(storage.Kind(cfg.StorageBackend), cfg.StorageRoot())
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}

	manager, err := jobs.NewManager(cfg.RedisURL, cfg.WorkerConcurrency, store, events, backend, fetch.NewYTDLP(), log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	manager.StartWorkers()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, manager, store, events, tokens)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "media-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *jobs.Manager, store *jobs.Store, events *jobs.Events, tokens *vault.Vault) {
	handlerCfg := jobs.HandlerConfig{
		BasePublicURL:  cfg.BasePublicURL,
		AllowedDomains: cfg.AllowedDomains,
		SignedURLTTL:   cfg.SignedURLTTL,
	}

	api := router.Group("/api")
	{
		// ヘルスチェックとトークン認証のダウンロードは API キー不要
		api.GET("/health", handleHealth)
		api.GET("/download/:token", jobs.DownloadHandler(tokens))

		protected := api.Group("")
		protected.Use(auth.RequireAPIKey(auth.Credentials{
			Key:     cfg.APIKey,
			KeyHash: cfg.APIKeyHash,
		}))
		{
			protected.POST("/jobs", jobs.CreateJobHandler(manager, handlerCfg))
			protected.GET("/jobs/:id", jobs.JobStatusHandler(store, handlerCfg))
			protected.GET("/jobs/:id/result", jobs.JobResultHandler(store, tokens, handlerCfg))
			protected.GET("/jobs/:id/events", jobs.JobEventsHandler(store, events))
		}
	}
}
