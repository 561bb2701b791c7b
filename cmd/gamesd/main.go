package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcg/games/internal/cache"
	"github.com/fcg/games/internal/config"
	"github.com/fcg/games/internal/db"
	"github.com/fcg/games/internal/events"
	"github.com/fcg/games/internal/games"
	grpcserver "github.com/fcg/games/internal/grpc"
	"github.com/fcg/games/internal/httpapi"
	"github.com/fcg/games/internal/intake"
	"github.com/fcg/games/internal/metrics"
	"github.com/fcg/games/internal/repo"
	"github.com/fcg/games/internal/sales"
	"github.com/fcg/games/internal/stock"
	"github.com/fcg/games/internal/tracing"
	"github.com/fcg/games/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Games service starting",
		zap.String("environment", cfg.Environment),
		zap.String("broker", cfg.Broker),
		zap.String("queue", cfg.SalesQueueName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Set up tracing
	shutdownTracing, err := tracing.Setup(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Connect to database
	log.Info("Connecting to database...", zap.String("driver", cfg.DBDriver))
	database, err := db.Connect(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	if cfg.IsDevelopment() {
		if err := db.Seed(database); err != nil {
			log.Fatal("Failed to seed database", zap.Error(err))
		}
	}

	store, err := repo.NewStore(database, log)
	if err != nil {
		log.Fatal("Failed to initialize repositories", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Stock read cache
	stockOpts := []stock.Option{stock.WithMetrics(m)}
	var gameOpts []games.Option
	var stockCache *cache.StockCache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		stockCache = cache.New(redisClient, cfg.StockCacheTTL, log)
		if err := stockCache.Ping(ctx); err != nil {
			log.Warn("Redis unavailable, stock reads fall back to the database", zap.Error(err))
		}
		stockOpts = append(stockOpts, stock.WithChangeHook(stockCache.OnStockChanged))
		gameOpts = append(gameOpts, games.WithChangeHook(stockCache.OnStockChanged))
	}

	stockService := stock.NewService(store, log, stockOpts...)
	gameService := games.NewService(store, log, gameOpts...)

	engineOpts := []sales.Option{sales.WithMetrics(m)}
	if cfg.Deduplicate {
		engineOpts = append(engineOpts, sales.WithDeduplication(store.Sales()))
	}
	engine := sales.NewEngine(stockService, log, engineOpts...)

	// Connect to the message broker
	log.Info("Connecting to message broker", zap.String("target", cfg.MaskedBrokerURL()))
	broker, err := connectBroker(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to message broker", zap.Error(err))
	}

	procOpts := []intake.Option{
		intake.WithMaxConcurrentCalls(cfg.MaxConcurrentCalls),
		intake.WithMessageTimeout(cfg.MessageTimeout),
		intake.WithLockRenewInterval(cfg.LockDuration / 2),
		intake.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
		intake.WithMetrics(m),
	}
	if cfg.SalesResultQueue != "" {
		procOpts = append(procOpts, intake.WithResults(broker, cfg.SalesResultQueue))
	}
	processor := intake.NewProcessor(broker, engine, log, procOpts...)

	httpServer := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Log:       log,
		DB:        database,
		Engine:    engine,
		Stock:     stockService,
		Stocks:    cache.NewReader(stockCache, stockService),
		Games:     gameService,
		Processor: processor,
		Broker:    broker,
		Gatherer:  reg,
	})

	grpcServer := grpcserver.NewServer(database, broker, log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	// The intake loop outlives the signal context so Stop can drain it.
	if err := processor.Start(context.WithoutCancel(ctx)); err != nil {
		log.Fatal("Failed to start sale processor", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.Listen(fmt.Sprintf(":%s", cfg.HTTPPort)); err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := processor.Stop(shutdownCtx); err != nil {
			log.Error("Sale processor shutdown error", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		gracefulStop(shutdownCtx, grpcServer)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
	}

	if err := broker.Close(); err != nil {
		log.Error("Failed to close message broker", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("Failed to close Redis client", zap.Error(err))
		}
	}
	if err := database.Close(); err != nil {
		log.Error("Failed to close database", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}

func connectBroker(cfg *config.Config, log *zap.Logger) (events.Broker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		return events.NewKafkaBroker(cfg.KafkaBrokers, cfg.SalesQueueName, cfg.KafkaGroupID, log), nil
	case config.BrokerMemory:
		return events.NewMemoryBroker(cfg.SalesQueueName,
			events.WithLockDuration(cfg.LockDuration),
			events.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
		), nil
	default:
		b, err := events.NewRabbitBroker(cfg.RabbitMQURL, cfg.SalesQueueName, cfg.MaxConcurrentCalls, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// gracefulStop waits for in-flight RPCs until ctx ends, then forces the stop.
func gracefulStop(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
