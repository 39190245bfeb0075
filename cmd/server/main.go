package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentdeck/internal/config"
	"agentdeck/internal/database"
	"agentdeck/internal/discovery"
	"agentdeck/internal/handlers"
	"agentdeck/internal/logging"
	"agentdeck/internal/services"
	"agentdeck/internal/source"
	"agentdeck/internal/store"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting agentdeck aggregator...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	// Initialize cursor database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Optional statically configured targets, hot-reloaded on change
	var targets *discovery.TargetList
	if cfg.TargetsFile != "" {
		targets, err = discovery.WatchTargets(rootCtx, cfg.TargetsFile)
		if err != nil {
			log.Fatalf("❌ Failed to load targets file %s: %v", cfg.TargetsFile, err)
		}
		log.Printf("📋 Targets file loaded: %s (%d entries)", cfg.TargetsFile, len(targets.Addresses()))
	}

	// Discovery over the local port range plus file targets
	scanner := &discovery.PortScanner{
		Host:      cfg.ScanHost,
		StartPort: cfg.ScanPortStart,
		EndPort:   cfg.ScanPortEnd,
		Targets:   targets,
	}
	disc := discovery.New(scanner, cfg.VerifyTimeout)

	// The world store: one per process, passed by reference everywhere
	world := store.NewWorldStore()
	cursors := store.NewCursorStore(db)

	// Connection manager supervises one stream per discovered backend
	manager := services.NewConnectionManager(world, disc, services.ConnectionManagerConfig{
		Target:            cfg.Target,
		DiscoveryInterval: cfg.DiscoveryInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		MaxRetries:        cfg.MaxRetries,
	})

	// Initialize Prometheus metrics
	metrics := services.InitMetrics(manager)
	log.Println("✅ Prometheus metrics initialized")

	// Auxiliary durable-log source (optional)
	var sources []source.EventSource
	if cfg.RedisURL != "" {
		redisSource, err := source.NewRedisStreamSource(cfg.RedisURL, cfg.RedisStream)
		if err != nil {
			log.Printf("⚠️ Failed to configure Redis stream source: %v (continuing without it)", err)
		} else {
			defer redisSource.Close()
			sources = append(sources, redisSource)
			log.Printf("✅ Redis stream source configured: %s", redisSource.Name())
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - no auxiliary event source")
	}

	router := services.NewEventRouter(world, manager, metrics, sources...)
	stream := services.NewStreamService(manager, router)

	// Start the event pipeline
	router.Start(rootCtx)
	if err := manager.Start(); err != nil {
		log.Fatalf("❌ Failed to start connection manager: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "agentdeck v1.0",
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		WriteTimeout: 0, // SSE streams are unbounded
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("agentdeck")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(world, manager)
	worldHandler := handlers.NewWorldHandler(world)
	streamHandler := handlers.NewStreamHandler(stream, cursors, metrics)
	wsHandler := handlers.NewWebSocketHandler(world, metrics)

	// Routes
	app.Get("/health", healthHandler.Handle)
	app.Get("/world", worldHandler.Handle)
	app.Get("/stream/resume", streamHandler.Handle)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.Handle))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down aggregator...")

		// Stop the connection manager first: discovery loop and every
		// connection task go down together before the router drains.
		manager.Stop()
		rootCancel()
		router.Wait()

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
