package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/events"
	"github.com/example/courier-dispatch/internal/geo"
	httpapi "github.com/example/courier-dispatch/internal/http"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/matching"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/routeopt"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store := openStore(cfg, logger)
	geoIndex := openGeo(cfg)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var stripeClient *payments.StripeClient
	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		stripeClient = payments.NewStripeClient(key, os.Getenv("STRIPE_CURRENCY"))
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET unset, websocket auth disabled")
	}

	bus := events.NewBus()
	wsreg := dispatch.NewWSRegistry(logger)
	var fcm *dispatch.FCMNotifier
	if ep := os.Getenv("FCM_ENDPOINT"); ep != "" {
		fcm = dispatch.NewFCMNotifier(ep, os.Getenv("FCM_KEY"))
	}
	notifier := dispatch.NewDispatcher(wsreg, fcm, logger)

	matcher := matching.NewService(geoIndex, store, store, cfg.Matching, logger)
	matcher.Notifier = notifier
	matcher.Bus = bus
	if stripeClient != nil {
		matcher.Payments = stripeClient
	}

	var provider routeopt.Provider
	if cfg.RoutingEndpoint != "" {
		provider = routeopt.NewOSRMProvider(cfg.RoutingEndpoint)
	}
	router := &routeopt.Service{
		Routes:      store,
		Assignments: store,
		Provider:    provider,
		Cache:       routeopt.NewCache(),
		Bus:         bus,
		Cfg:         cfg.Routing,
		Logger:      logger,
	}

	hub := tracking.NewHub(logger)
	tracker := &tracking.Service{
		Assignments: store,
		Couriers:    store,
		Pings:       store,
		Geo:         geoIndex,
		Hub:         hub,
		Bus:         bus,
		Cfg:         cfg.Tracking,
		AvgSpeedKmh: cfg.Routing.AvgSpeedKmh,
		Logger:      logger,
	}
	if producer != nil {
		tracker.Producer = producer
	}

	wireLifecycle(bus, router, stripeClient, store, logger)

	sched := cron.New()
	sched.Schedule(cron.Every(cfg.Tracking.RoomInactivity/10), cron.FuncJob(func() {
		if n := tracker.CleanupRooms(context.Background()); n > 0 {
			logger.Debug("tracking rooms cleaned", "removed", n)
		}
	}))
	if _, err := sched.AddFunc("@hourly", func() {
		if _, err := tracker.Prune(context.Background()); err != nil {
			logger.Warn("history prune failed", "error", err)
		}
	}); err != nil {
		logger.Error("cron setup failed", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	api := httpapi.NewServer(matcher, router, tracker, store, verifier, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("courier-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

// wireLifecycle connects status changes to payments and route caches.
func wireLifecycle(bus *events.Bus, router *routeopt.Service, stripe *payments.StripeClient, store storage.Store, logger *slog.Logger) {
	bus.Subscribe(events.KindAssignmentCreated, func(ev events.Event) {
		// a new assignment invalidates the courier's cached routes
		if router.Cache != nil {
			router.Cache.Invalidate(ev.CourierID)
		}
	})
	bus.Subscribe(events.KindRouteInvalidated, func(ev events.Event) {
		logger.Info("route superseded", "courier_id", ev.CourierID, "reason", string(ev.Reason))
	})
	bus.Subscribe(events.KindStatusChanged, func(ev events.Event) {
		switch ev.Status {
		case models.StatusDelivered, models.StatusCancelled:
			if router.Cache != nil {
				router.Cache.Invalidate(ev.CourierID)
			}
		}
		if stripe == nil {
			return
		}
		ctx := context.Background()
		a, err := store.GetAssignment(ctx, ev.AssignmentID)
		if err != nil || a.PaymentIntentID == "" {
			return
		}
		switch ev.Status {
		case models.StatusDelivered:
			if err := stripe.Capture(ctx, a.PaymentIntentID); err != nil {
				logger.Warn("fee capture failed", "assignment_id", a.ID, "error", err)
			}
		case models.StatusCancelled:
			if err := stripe.Cancel(ctx, a.PaymentIntentID); err != nil {
				logger.Warn("fee hold release failed", "assignment_id", a.ID, "error", err)
			}
		}
	})
}

func openStore(cfg config.ServerConfig, logger *slog.Logger) storage.Store {
	if cfg.PGDSN == "" {
		logger.Info("PG_DSN unset, using in-memory store")
		return storage.NewMemoryStore()
	}
	if cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable, using in-memory store", "error", err)
		return storage.NewMemoryStore()
	}
	return ps
}

func openGeo(cfg config.ServerConfig) geo.Index {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return geo.NewRedisIndex(client, cfg.RedisGeoKey)
	}
	return geo.NewMemoryIndex()
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	path := filepath.Join("migrations", "001_create_dispatch.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read failed", "path", path, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
