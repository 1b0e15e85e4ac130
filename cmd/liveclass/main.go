package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/config"
	"github.com/opencampus/liveclass/internal/attendance"
	"github.com/opencampus/liveclass/internal/handlers"
	"github.com/opencampus/liveclass/internal/middleware"
	"github.com/opencampus/liveclass/internal/redis"
	"github.com/opencampus/liveclass/internal/store"
	"github.com/opencampus/liveclass/internal/turnserver"
)

func main() {
	// Load .env if present; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.WithError(err).Fatal("connecting to Redis")
	}
	defer redis.Close()
	log.Info("Redis connection established")

	st := store.NewRedis(redis.GetClient(), log)

	// Attendance ledger is optional; rooms work without Postgres
	var ledger *attendance.Ledger
	if cfg.Postgres.DSN != "" {
		var err error
		ledger, err = attendance.New(context.Background(), cfg.Postgres.DSN, log.WithField("component", "attendance"))
		if err != nil {
			log.WithError(err).Fatal("connecting to Postgres")
		}
		defer ledger.Close()
		log.Info("attendance ledger enabled")
	}

	// Embedded TURN relay is optional; most deployments use public STUN only
	if cfg.TURN.PublicIP != "" {
		ts, err := turnserver.Start(turnserver.Config{
			PublicIP: cfg.TURN.PublicIP,
			Port:     cfg.TURN.Port,
			Realm:    cfg.TURN.Realm,
			Username: cfg.TURN.Username,
			Password: cfg.TURN.Password,
		}, log.WithField("component", "turn"))
		if err != nil {
			log.WithError(err).Fatal("starting TURN server")
		}
		defer ts.Close()
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	roomHandler := &handlers.RoomHandler{
		Store:  st,
		Ledger: ledger,
		Log:    log.WithField("component", "rooms"),
	}
	wsHandler := &handlers.WSHandler{
		Store: st,
		Rooms: roomHandler,
		Log:   log.WithField("component", "ws"),
	}

	// Room management API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create room (requires JWT)
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), roomHandler.CreateRoom)

		// Get room info (public)
		apiGroup.GET("/rooms/:roomId", roomHandler.GetRoom)

		// End room (requires JWT, owner only)
		apiGroup.POST("/rooms/:roomId/end", middleware.JWTAuth(cfg.JWTSecret), roomHandler.EndRoom)
	}

	// WebSocket gateway - accepts room code or ID
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", wsHandler.HandleSignaling)
	}

	log.WithField("port", cfg.Port).Info("starting liveclass server")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
