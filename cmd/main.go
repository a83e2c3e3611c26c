/**
 * @description
 * This is the main entry point for the QR payment engine. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the bank ledger client, the message broker, the dedup
 * index, the core application service and its background workers, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * Optional infrastructure degrades instead of failing the boot: without
 * DATABASE_URL the engine runs on the in-memory store, without REDIS_URL
 * dedup is in-process, without RABBITMQ_URL the event mirror is a no-op, and
 * without LEDGER_API_BASE_URL the reconciliation poller is disabled.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Redis client for the dedup index.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the bank ledger API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/linuxer41/pagui-sub001/internal/api"
	"github.com/linuxer41/pagui-sub001/internal/app"
	"github.com/linuxer41/pagui-sub001/internal/config"
	"github.com/linuxer41/pagui-sub001/internal/store"
	"github.com/linuxer41/pagui-sub001/pkg/ledgerclient"
	rmrabbit "github.com/linuxer41/pagui-sub001/pkg/rabbitmq"
)

func main() {
	// Load a local .env file if present; environment variables win.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment values\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting qr payment engine\" port=%s", cfg.ServerPort)

	// Persistence: PostgreSQL when configured, in-memory otherwise.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory store\" env=DATABASE_URL")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	}

	// Dedup index: Redis when configured and reachable, in-process otherwise.
	dedupTTL := time.Duration(cfg.DedupTTLMinutes) * time.Minute
	var dedup app.DedupIndex = app.NewMemoryDedupIndex(dedupTTL)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory dedup\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory dedup\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				dedup = app.NewRedisDedupIndex(redisClient, cfg.RedisDedupPrefix, dedupTTL)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-memory dedup\" env=REDIS_URL")
	}

	// Event mirror: RabbitMQ producer, or a no-op fallback when unavailable.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Bank ledger client; without it the reconciliation poller is disabled
	// and the engine relies on webhooks plus the expiry sweep.
	var evidenceSource app.EvidenceSource
	if strings.TrimSpace(cfg.LedgerAPIBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"ledger api not configured; reconciliation poller disabled\" env=LEDGER_API_BASE_URL")
	} else {
		ledgerClient := ledgerclient.NewClient(
			cfg.LedgerAPIBaseURL,
			cfg.LedgerAPIKey,
			time.Duration(cfg.LedgerQueryTimeoutSeconds)*time.Second,
		)
		evidenceSource = app.NewLedgerEvidenceSource(ledgerClient)
	}

	registry := app.NewQRRegistry(repository)
	matcher := app.NewPaymentMatcher(registry, dedup)
	broadcaster := app.NewBroadcaster(
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second,
		time.Duration(cfg.SubscriberDeadAfterSeconds)*time.Second,
		cfg.SubscriberBufferSize,
	)

	service := app.NewService(
		repository,
		registry,
		matcher,
		broadcaster,
		producer,
		cfg.QREventExchange,
		evidenceSource,
		app.PollerConfig{
			Interval:     time.Duration(cfg.PollIntervalSeconds) * time.Second,
			Ceiling:      time.Duration(cfg.PollCeilingMinutes) * time.Minute,
			QueryTimeout: time.Duration(cfg.LedgerQueryTimeoutSeconds) * time.Second,
		},
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := service.Start(startCtx); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"watch resume failed; sweep will cover missed expiries\" err=%v", err)
	}
	cancelStart()

	sweeper := app.NewSweeper(repository, service, cfg.ExpirySweepSchedule)
	sweeper.Start()

	handlers := api.NewQRHandlers(service)
	router := api.QRRoutes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let an in-flight sweep finish, then stop the workers.
	<-sweeper.Stop().Done()
	service.Shutdown()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
