// Command server runs the Epicenter sync room manager behind a Gin HTTP
// server: the WebSocket upgrade route clients speak the wire protocol
// over, plus health and metrics endpoints. Structure follows the teacher's
// cmd/v1/session/main.go (env loading, CORS, graceful shutdown).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epicenterhq/sync-core/internal/auth"
	"github.com/epicenterhq/sync-core/internal/bus"
	"github.com/epicenterhq/sync-core/internal/config"
	"github.com/epicenterhq/sync-core/internal/health"
	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/internal/middleware"
	"github.com/epicenterhq/sync-core/internal/ratelimit"
	"github.com/epicenterhq/sync-core/internal/room"
	"github.com/epicenterhq/sync-core/internal/syncsession"
	"github.com/epicenterhq/sync-core/internal/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	if err := logging.Initialize(os.Getenv("GO_ENV") != "production"); err != nil {
		panic(err)
	}
	log := logging.GetLogger()

	cfg, err := config.ValidateEnv()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	var validator auth.TokenValidator
	switch {
	case cfg.SkipAuth:
		log.Warn("authentication DISABLED for development, do not use in production")
		validator = &auth.MockValidator{}
	case cfg.JWKSURL != "":
		v, err := auth.NewValidatorFromJWKSURL(ctx, cfg.JWKSURL, cfg.TokenAudience)
		if err != nil {
			log.Fatal("failed to build token validator", zap.Error(err))
		}
		validator = v
		log.Info("token validator initialized", zap.String("jwksUrl", cfg.JWKSURL))
	default:
		log.Warn("no JWKS_URL configured and SKIP_AUTH is false; falling back to mock validator")
		validator = &auth.MockValidator{}
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer busService.Close()
	} else {
		log.Info("redis disabled, running in single-instance mode")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWsIP, busService.Client())
	if err != nil {
		log.Fatal("failed to build rate limiter", zap.Error(err))
	}

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "epicenter-sync-core", cfg.OTLPEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	manager := room.NewManager(busService, cfg.RoomEvictionGracePeriod, log)
	healthHandler := health.NewHandler(busService)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // CORS already enforced above the upgrade
	}

	router.GET("/rooms/:roomId", func(c *gin.Context) {
		if !rateLimiter.CheckWebSocket(c) {
			return
		}

		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		if _, err := validator.ValidateToken(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		roomID := room.ID(c.Param("roomId"))
		r := manager.GetOrCreateRoom(roomID)
		if r == nil {
			// Integrated mode only: the host rejected this roomId.
			_ = conn.Close()
			return
		}
		sess := syncsession.New(uuid.New().String(), conn, r)
		go sess.Start()
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("sync server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager.Destroy(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}
