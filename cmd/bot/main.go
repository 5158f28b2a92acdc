// main.go
package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/truepast/truepast-backend/config"
	"github.com/truepast/truepast-backend/conversation"
	"github.com/truepast/truepast-backend/internal/platform"
	"github.com/truepast/truepast-backend/models"
	"github.com/truepast/truepast-backend/pipeline"
	"github.com/truepast/truepast-backend/processing"
	"github.com/truepast/truepast-backend/render"
	"github.com/truepast/truepast-backend/sessions"
	"github.com/truepast/truepast-backend/tasks"
	"github.com/truepast/truepast-backend/telegram"
	"github.com/truepast/truepast-backend/videos"
	"github.com/truepast/truepast-backend/visuals"
	"github.com/truepast/truepast-backend/voice"
	"github.com/truepast/truepast-backend/webhooks"
	"github.com/truepast/truepast-backend/worker"
)

type Server struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Router     *gin.Engine
	Dispatcher *conversation.Dispatcher
	Processor  *worker.Processor
	Telegram   *telegram.Client
	Cron       *cron.Cron
}

func NewServer() (*Server, error) {
	// Use the shared connection initializers
	db := platform.NewDBConnection()
	rdb := platform.NewRedisClient()

	if err := db.AutoMigrate(&models.RenderRecord{}); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		log.Printf("Config file not loaded (%v), using defaults", err)
		cfg = config.Default()
	}

	if err := os.MkdirAll(cfg.Paths.WorkDir, 0755); err != nil {
		log.Fatalf("Failed to create work dir %s: %v", cfg.Paths.WorkDir, err)
	}

	tg := telegram.NewClient(os.Getenv("TELEGRAM_BOT_TOKEN"))

	store := newSessionStore(rdb, cfg)

	processor := worker.NewProcessor(db, rdb)

	machine := conversation.NewMachine(store, processing.NewOpenAIGenerator(cfg), processor, tg, cfg)
	machine.DB = db
	machine.BroadcastChatID = os.Getenv("BROADCAST_CHAT_ID")

	dispatcher := conversation.NewDispatcher(machine)

	runner := pipeline.NewRunner(
		voice.NewElevenLabs(cfg),
		visuals.NewPexels(cfg),
		render.NewFFmpeg(cfg),
		cfg.Paths.WorkDir,
	)
	renderHandler := &worker.RenderHandler{
		Processor: processor,
		Runner:    runner,
		OnResult:  dispatcher.SubmitRenderResult,
	}
	processor.Register(tasks.QueueVideoRender, renderHandler.HandleRenderVideo)

	router := gin.Default()

	server := &Server{
		DB:         db,
		Redis:      rdb,
		Router:     router,
		Dispatcher: dispatcher,
		Processor:  processor,
		Telegram:   tg,
		Cron:       cron.New(),
	}

	server.setupRoutes()
	server.setupEviction(store, machine, cfg)

	return server, nil
}

func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.Router.GET("/health", func(c *gin.Context) {
		sqlDB, err := s.DB.DB()
		if err != nil {
			c.JSON(500, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		if err := sqlDB.Ping(); err != nil {
			c.JSON(500, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		if err := s.Redis.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(500, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{
			"status":   "healthy",
			"database": "connected",
			"redis":    "connected",
		})
	})

	s.Router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "TruePast bot v1"})
	})

	// Webhook routes (public - no auth, secret token verified in handler)
	webhookHandler := webhooks.NewHandler(s.Dispatcher)
	webhookRoutes := s.Router.Group("/webhooks")
	{
		webhookRoutes.POST("/telegram", webhookHandler.HandleTelegramWebhook)
	}

	// Render history
	videoHandler := videos.NewHandler(s.DB)
	videoRoutes := s.Router.Group("/videos")
	{
		videoRoutes.GET("", videoHandler.ListRenders)
		videoRoutes.GET("/:id", videoHandler.GetRender)
	}
}

// setupEviction schedules the stale-state sweep: unclaimed finished videos
// on the machine, plus stale sessions when the store is in-memory (the
// Redis store expires sessions by key TTL instead).
func (s *Server) setupEviction(store sessions.Store, machine *conversation.Machine, cfg *config.Config) {
	memStore, isMemory := store.(*sessions.MemoryStore)
	_, err := s.Cron.AddFunc("@every 10m", func() {
		if released := machine.SweepPending(cfg.SessionMaxIdle()); released > 0 {
			log.Printf("Released %d unclaimed videos", released)
		}
		if !isMemory {
			return
		}
		if evicted := memStore.Sweep(cfg.SessionMaxIdle()); evicted > 0 {
			log.Printf("Evicted %d stale sessions", evicted)
		}
	})
	if err != nil {
		log.Printf("Failed to schedule stale-state sweep: %v", err)
	}
}

func (s *Server) Run() error {
	ctx := context.Background()

	// Register the public webhook with Telegram before accepting traffic.
	publicURL := os.Getenv("PUBLIC_BASE_URL")
	if publicURL != "" {
		url := publicURL + "/webhooks/telegram"
		if err := s.Telegram.SetWebhook(ctx, url, os.Getenv("TELEGRAM_WEBHOOK_SECRET")); err != nil {
			log.Printf("Webhook registration failed: %v", err)
		} else {
			log.Printf("Webhook registered: %s", url)
		}
	} else {
		log.Println("PUBLIC_BASE_URL not set, skipping webhook registration")
	}

	// Render worker runs in-process, listening on the Redis queue.
	go s.Processor.Listen(ctx, tasks.QueueVideoRender)

	s.Cron.Start()
	defer s.Cron.Stop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 Server starting on port %s", port)
	return s.Router.Run(":" + port)
}

func newSessionStore(rdb *redis.Client, cfg *config.Config) sessions.Store {
	if os.Getenv("SESSION_STORE") == "redis" {
		log.Println("Using Redis session store")
		return sessions.NewRedisStore(rdb, cfg.SessionMaxIdle())
	}
	log.Println("Using in-memory session store")
	return sessions.NewMemoryStore()
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config/config.yaml"
}

func main() {
	server, err := NewServer()
	if err != nil {
		log.Fatal("Failed to create server:", err)
	}

	if err := server.Run(); err != nil {
		log.Fatal("Failed to run server:", err)
	}
}
