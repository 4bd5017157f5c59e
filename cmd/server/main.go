package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessiongate/internal/api"
	"sessiongate/internal/api/handlers"
	"sessiongate/internal/api/middleware"
	"sessiongate/internal/auth"
	"sessiongate/internal/batcher"
	"sessiongate/internal/config"
	"sessiongate/internal/connection"
	"sessiongate/internal/database/postgres"
	"sessiongate/internal/identity"
	"sessiongate/internal/metrics"
	"sessiongate/internal/pubsub"
	"sessiongate/internal/ratelimit"
	"sessiongate/internal/session"
	"sessiongate/internal/store"
	"sessiongate/internal/websocket"
)

var (
	Version = "1.0.0-dev"
	Commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("sessiongate %s (%s)\n", Version, Commit)
		return
	}

	log.Printf("sessiongate %s (%s)", Version, Commit)

	gwMetrics := metrics.New()
	log.Printf("Prometheus metrics initialized (instance: %s)", metrics.GetInstanceLabel())

	cfg := config.Load()
	log.Printf("Gateway ID: %s", cfg.GatewayID)

	db, err := postgres.NewDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := postgres.Migrate(context.Background(), db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	repos := postgres.NewRepositories(db)

	bcryptPool := auth.NewBcryptPool(auth.DefaultPoolConfig())
	auth.SetGlobalPool(bcryptPool)
	defer bcryptPool.Close()
	log.Printf("bcrypt worker pool initialized: %d workers", bcryptPool.Stats().Workers)

	jwtService := auth.NewJWTService(cfg.SecretKey, cfg.TokenTTL)

	gw, err := store.New(cfg.StoreURL)
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer gw.Close()
	log.Printf("store connected: %s", cfg.StoreURL)

	writeBatcher := batcher.New(gw, batcher.Config{
		FlushInterval: cfg.FlushInterval,
		HighWaterMark: cfg.HighWaterMark,
	})
	defer writeBatcher.Close()

	sessions := session.New(gw, writeBatcher, session.Config{
		Timeout:       cfg.SessionTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	defer sessions.Close()

	connections := connection.New(gw, writeBatcher, cfg.GatewayID, connection.Config{
		SweepInterval: 30 * time.Second,
		PingInterval:  cfg.PingInterval,
	}, gwMetrics)
	defer connections.Close()

	identitySvc := identity.New(repos.Users, jwtService, sessions, gw, cfg.BootstrapAdmins)

	bus := pubsub.New(gw)
	defer bus.Close()

	limiter := ratelimit.NewLimiter(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsManager := websocket.New(websocket.Config{
		GatewayID:         cfg.GatewayID,
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
	}, identitySvc, sessions, connections, bus, gwMetrics, nil)

	go reportPendingWrites(ctx, writeBatcher, gwMetrics)

	app := fiber.New(fiber.Config{
		AppName:               "sessiongate",
		DisableStartupMessage: true,
		BodyLimit:             4 * 1024 * 1024,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	m := middleware.New(identitySvc, limiter)

	app.Use(m.Recover())
	app.Use(m.RequestID())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		AllowCredentials: false,
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	h := handlers.New(identitySvc, sessions, connections, wsManager, cfg)
	api.SetupRoutes(app, h, m)

	shutdownComplete := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received %v, starting graceful shutdown", sig)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer drainCancel()

		log.Println("step 1/3: draining WebSocket sockets")
		if err := wsManager.Shutdown(drainCtx); err != nil {
			log.Printf("socket drain error: %v", err)
		}

		log.Println("step 2/3: stopping HTTP listener")
		if err := app.ShutdownWithContext(drainCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		log.Println("step 3/3: stopping background services")
		cancel()

		log.Println("draining write-behind batcher")
		if err := writeBatcher.Drain(drainCtx); err != nil {
			log.Printf("batcher drain error: %v", err)
		}

		close(shutdownComplete)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		log.Printf("listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownComplete
	log.Println("graceful shutdown complete")
}

// reportPendingWrites syncs the Batcher's pending-write count into its
// gauge, the way the teacher's metrics sync a gauge from hub stats.
func reportPendingWrites(ctx context.Context, b *batcher.Batcher, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SetBatcherPending(b.PendingCount())
		case <-ctx.Done():
			return
		}
	}
}
