// README: Entry point; loads config, wires stores and services, runs the API server, presence relays and background jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/config"
	httptransport "dispatch/internal/http"
	"dispatch/internal/infra"
	"dispatch/internal/jobs"
	"dispatch/internal/maps"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/matching"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/presence"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/shop"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := infra.NewLogger("dispatch-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatch-api stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatch-api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		dbPool      *pgxpool.Pool
		redisClient *redis.Client
		err         error
	)
	if cfg.Store == config.BackendPostgres {
		if cfg.DB.Migrate {
			if err := infra.Migrate(cfg.DB.DSN, logger); err != nil {
				return err
			}
		}
		dbPool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer dbPool.Close()
	}
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	hub := presence.NewHub(cfg.Presence.QueueSize, logger)
	defer hub.Close()

	var (
		orderStore   order.Repository    = order.NewMemoryStore()
		agentStore   agent.Repository    = agent.NewMemoryStore()
		shopStore    shop.Repository     = shop.NewMemoryStore()
		tierSource   pricing.TierSource  = pricing.DefaultTiers()
		locStore     location.Store      = location.NewMemoryStore()
		attemptLog   matching.AttemptLog = matching.NewMemoryAttemptLog()
		snapshotRepo *location.SnapshotStore
	)
	if dbPool != nil {
		orderStore = order.NewStore(dbPool)
		agentStore = agent.NewStore(dbPool)
		shopStore = shop.NewStore(dbPool)
		tierSource = pricing.NewStore(dbPool)
		snapshotRepo = location.NewSnapshotStore(dbPool)
	}
	if redisClient != nil {
		locStore = location.NewRedisStore(redisClient)
		attemptLog = matching.NewStore(redisClient)
	}

	pricingSvc := pricing.NewService(tierSource)
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		pricingSvc.SetRouteMeter(routes, logger)
	}
	locationSvc := location.NewService(locStore, hub, logger)
	shopSvc := shop.NewService(shopStore, logger)
	orderSvc := order.NewService(orderStore, shopSvc, pricingSvc, locationSvc, hub, logger)
	orderSvc.SetDeliveryRadius(cfg.Delivery.RadiusMeters)
	locationSvc.SetAssignmentLookup(orderSvc)
	if snapshotRepo != nil {
		locationSvc.SetSnapshotWriter(snapshotRepo)
	}
	agentSvc := agent.NewService(agentStore, logger)

	matchingSvc := matching.NewService(orderSvc, locationSvc, agentSvc, matching.Config{
		RadiusKm:        cfg.Matching.RadiusKm,
		Freshness:       cfg.Matching.Freshness(),
		DefaultCapacity: cfg.Matching.DefaultCapacity,
		BatchSize:       cfg.Matching.BatchSize,
		RetryBackoff:    cfg.Matching.RetryBackoff(),
	}, logger)
	matchingSvc.SetAttemptLog(attemptLog)

	verifier, err := newVerifier(ctx, cfg, matchingSvc, logger)
	if err != nil {
		return err
	}

	if cfg.AMQP.URL != "" {
		conn, err := infra.NewAMQP(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		sink, err := presence.NewAMQPSink(conn, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer sink.Close()
		// Close is idempotent; the hub must drain into the sink before it closes.
		defer hub.Close()
		hub.AddSink("amqp", sink, presence.OnlyStatusChanges)
	}

	g, ctx := errgroup.WithContext(ctx)

	if redisClient != nil {
		bridge := presence.NewRedisBridge(redisClient, hub, cfg.InstanceID, logger)
		hub.AddSink("redis", bridge, nil)
		g.Go(func() error { return bridge.Run(ctx) })
	}

	jm := jobs.NewJobManager(matchingSvc, cfg.Matching.Tick(), hub, logger)
	if err := jm.StartAll(); err != nil {
		return err
	}
	defer jm.StopAll()

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		Order:     orderSvc,
		Agent:     agentSvc,
		Matching:  matchingSvc,
		Location:  locationSvc,
		Pricing:   pricingSvc,
		Shop:      shopSvc,
		Hub:       hub,
		Verifier:  verifier,
		Logger:    logger,
		Freshness: cfg.Matching.Freshness(),
	})
	g.Go(func() error { return server.Run(ctx) })

	logger.Info("dispatch-api started",
		"store", cfg.Store,
		"redis", redisClient != nil,
		"amqp", cfg.AMQP.URL != "",
		"road_pricing", cfg.Maps.APIKey != "",
		"auth", cfg.Auth.Mode,
		"instance", cfg.InstanceID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newVerifier also turns on FCM assignment pushes when Firebase is configured.
func newVerifier(ctx context.Context, cfg config.Config, matchingSvc *matching.Service, logger *slog.Logger) (infra.TokenVerifier, error) {
	if cfg.Firebase.ProjectID == "" {
		return infra.NewJWTVerifier(cfg.Auth.JWTSecret), nil
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, err
	}
	messagingClient, err := infra.NewMessaging(ctx, app)
	if err != nil {
		return nil, err
	}
	matchingSvc.SetNotifier(matching.NewFCMNotifier(messagingClient, logger))

	if cfg.Auth.Mode == config.AuthFirebase {
		return infra.NewFirebaseVerifier(ctx, app)
	}
	return infra.NewJWTVerifier(cfg.Auth.JWTSecret), nil
}
