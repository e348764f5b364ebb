package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"copytrade-engine/internal/archive"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/lock"
	"copytrade-engine/internal/matcher"
	"copytrade-engine/internal/orders"
	"copytrade-engine/internal/pricefeed"
	"copytrade-engine/internal/registry"
	"copytrade-engine/internal/replication"
	"copytrade-engine/internal/scheduler"
	"copytrade-engine/internal/subscription"
	"copytrade-engine/internal/venue"
	"copytrade-engine/pkg/api"
	"copytrade-engine/pkg/auth"
	"copytrade-engine/pkg/cache"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/database"
	"copytrade-engine/pkg/middleware"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"
	"copytrade-engine/pkg/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const archiveQueueSize = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg)

	logrus.Info("Starting Copytrade Engine...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		logrus.Fatalf("Failed to run database migrations: %v", err)
	}
	store := storage.NewGormStore(db)

	redisCache, err := cache.Initialize(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer redisCache.Close()

	jwtService := auth.NewJWTService(cfg.JWT.SecretKey, cfg.JWT.ExpiresIn)

	if cfg.IsDevelopment() {
		seeded, err := database.SeedData(ctx, store, cfg.Venue.QuoteAsset)
		if err != nil {
			logrus.Fatalf("Failed to seed database: %v", err)
		}
		logDevTokens(jwtService, seeded)
	}

	bus := events.NewBus()
	relay := events.NewRedisRelay(redisCache)
	bus.SetRelay(relay)

	locks := lock.NewCoordinator(lock.NewRedisLocker(redisCache), bus, cfg.Lock)
	executor := venue.NewExecutor(venueAdapters(cfg.Venue), venue.ExecutorConfig{
		Order:   cfg.Venue.Order,
		Retries: cfg.Replication.RetryCount,
	})

	engine := replication.NewEngine(cfg.Replication, cfg.Venue.QuoteAsset, replication.Deps{
		Store:   store,
		Locks:   locks,
		Venues:  executor,
		Events:  bus,
		Fees:    replication.NewLedgerFeeCollector(store, models.DecimalFromString(cfg.Replication.MemberFeeRate)),
		Watched: subscription.NewRedisRegistry(redisCache, cache.KeyWatchedMasters),
	})

	index := matcher.NewIndex()
	priceMatcher := matcher.New(cfg.Matcher, matcher.Deps{
		Store:      store,
		Locks:      locks,
		Venues:     executor,
		Replicator: engine,
		Events:     bus,
		Index:      index,
	})
	if err := priceMatcher.Rebuild(ctx); err != nil {
		logrus.Fatalf("Failed to load resting orders: %v", err)
	}

	feed := pricefeed.NewSubscriber(
		cfg.PriceFeed,
		subscription.NewRedisRegistry(redisCache, cache.KeyPriceSubscription),
		priceMatcher,
		bus,
		redisCache,
	)

	orderService := orders.NewService(cfg.Venue.QuoteAsset, cfg.Venue.DefaultSlipPct, orders.Deps{
		Store:    store,
		Venues:   executor,
		Locks:    locks,
		Index:    index,
		Capturer: engine,
		Feed:     feed,
		Events:   bus,
	})

	jobs, err := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Store:   store,
		Locks:   locks,
		Sweeper: engine,
		Feed:    feed,
		Indexer: priceMatcher,
	})
	if err != nil {
		logrus.Fatalf("Failed to create scheduler: %v", err)
	}

	if cfg.Archive.Bucket != "" {
		uploader, err := archive.NewS3Uploader(ctx, cfg.Archive)
		if err != nil {
			logrus.Fatalf("Failed to initialize archive: %v", err)
		}
		archiver := archive.New(store, uploader, cfg.Archive.Prefix, archiveQueueSize)
		bus.Subscribe(events.TopicReplicationCompleted, archiver.Handle)
		go archiver.Run(ctx)
	}

	hub := websocket.NewHub()
	go hub.Run(ctx)
	go streamToHub(ctx, relay, bus, hub)

	go engine.Run(ctx, cfg.Replication.Workers)
	go priceMatcher.Run(ctx, cfg.Matcher.Workers)
	feed.Start(ctx)
	if err := jobs.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Resume whatever the previous process left running
	if err := jobs.Sweep(ctx); err != nil {
		logrus.WithError(err).Warn("Startup sweep failed")
	}
	if err := jobs.Reconcile(ctx); err != nil {
		logrus.WithError(err).Warn("Startup price subscription reconcile failed")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg)))

	handlers := api.NewHandlers(api.Deps{
		Store:       store,
		Connections: registry.NewConnectionRegistry(store),
		Groups:      registry.NewGroupRegistry(store),
		Tiers:       registry.NewTierManager(store),
		Orders:      orderService,
		Replication: engine,
		Book:        index,
		Prices:      feed,
		Hub:         hub,
		Checks: map[string]api.HealthCheck{
			"database": database.HealthCheck(db),
			"redis":    redisCache.HealthCheck,
		},
		IngestKey: cfg.Server.IngestKey,
	})
	rateLimiter := middleware.NewRateLimitMiddleware(redisCache)
	api.SetupRoutes(router, handlers, middleware.NewAuthMiddleware(jwtService, store), rateLimiter.RateLimit(middleware.RateLimitConfig{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
	}))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.Infof("Copytrade Engine server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down Copytrade Engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	if err := jobs.Stop(); err != nil {
		logrus.WithError(err).Warn("Scheduler shutdown failed")
	}
	feed.Stop()

	logrus.Info("Copytrade Engine stopped successfully")
}

// venueAdapters builds one HTTP adapter per configured venue, in failover order
func venueAdapters(cfg config.VenueConfig) []venue.Adapter {
	adapters := make([]venue.Adapter, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		endpoint, ok := cfg.Endpoints[name]
		if !ok || endpoint == "" {
			logrus.WithField("venue", name).Warn("Venue has no endpoint, leaving it out of the chain")
			continue
		}
		adapters = append(adapters, venue.NewHTTPAdapter(name, endpoint, cfg.Timeout))
	}
	return adapters
}

// streamToHub feeds the websocket hub from the Redis relay, so clients see
// events from every engine process. If the relay subscription fails the hub
// falls back to this process's bus.
func streamToHub(ctx context.Context, relay *events.RedisRelay, bus *events.Bus, hub *websocket.Hub) {
	topics := []events.Topic{
		events.TopicPriceUpdated,
		events.TopicOrderbookProcessed,
		events.TopicReplicationCompleted,
		events.TopicOrderExecuted,
		events.TopicOrderFailed,
		events.TopicTransactionReceived,
	}
	err := relay.Listen(ctx, hub.HandleEvent, topics...)
	if err == nil || ctx.Err() != nil {
		return
	}
	logrus.WithError(err).Warn("Event relay unavailable, websocket clients only see local events")
	bus.SubscribeAll(hub.HandleEvent)
}

func corsConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	if cfg.IsDevelopment() || len(cfg.Server.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
		"X-Ingest-Key",
	}
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}

// logDevTokens prints bearer tokens for freshly seeded development accounts
func logDevTokens(jwtService *auth.JWTService, accounts []models.Account) {
	for i := range accounts {
		token, _, err := jwtService.Issue(&accounts[i])
		if err != nil {
			logrus.WithError(err).Warn("Failed to issue development token")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"wallet": accounts[i].WalletAddress,
			"token":  token,
		}).Debug("Development token")
	}
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	if cfg.IsDevelopment() {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging initialized")
}
