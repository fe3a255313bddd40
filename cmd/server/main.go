package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/issj6/ad-router/internal/config"
	"github.com/issj6/ad-router/internal/database"
	"github.com/issj6/ad-router/internal/debounce"
	"github.com/issj6/ad-router/internal/dispatcher"
	"github.com/issj6/ad-router/internal/handlers"
	"github.com/issj6/ad-router/internal/logger"
	"github.com/issj6/ad-router/internal/routes"
	"github.com/issj6/ad-router/internal/service"
	"github.com/issj6/ad-router/internal/store"
)

func main() {
	if err := logger.Init(os.Getenv("LOG_LEVEL")); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Logger

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	gw, err := config.LoadGateway(cfg.Gateway.File)
	if err != nil {
		log.Fatal("Failed to load gateway config", zap.Error(err))
	}

	// Connect to PostgreSQL and apply migrations
	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := database.RunMigrations(&cfg.Database, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	st := store.New(db, log)
	disp := dispatcher.New(log)
	svc := service.NewService(st, gw, disp, log)

	// Redis backs the debounce forwarder; without it clicks go out
	// synchronously.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = database.ConnectRedis(&cfg.Redis, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()

		mgr := debounce.New(rdb, svc.DispatchJob, log)
		svc.Debounce = mgr
		mgr.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mgr.Stop(ctx)
		}()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Ad Router",
		ServerHeader: "Fiber",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Setup routes
	routes.SetupRoutes(app,
		handlers.NewTrackHandler(svc),
		handlers.NewCallbackHandler(svc),
		handlers.NewRecordsHandler(st, log),
		handlers.NewHealthHandler(st, rdb),
	)

	// Reload the gateway config on SIGHUP: the snapshot swap is atomic,
	// in-flight requests keep the revision they started with.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := gw.Reload(); err != nil {
				log.Error("Gateway config reload failed", zap.Error(err))
				continue
			}
			log.Info("Gateway config reloaded")
		}
	}()

	// Start server in a goroutine
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		log.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
	}
	log.Info("Server stopped")
}
