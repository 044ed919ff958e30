/**
 * @description
 * This is the main entry point for the ledger-service. It wires configuration, the
 * PostgreSQL (or in-memory) repository, Redis, the bank registry client, the mailer, the
 * application service, the outbox dispatcher, the cron scheduler and the HTTP server,
 * then waits for a termination signal and shuts everything down in order.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: Rate limiting and bank lookup cache.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/bankclient, pkg/mailer, pkg/rabbitmq: Collaborator clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/internal/store/memory"
	"github.com/transfa/ledger-service/pkg/bankclient"
	"github.com/transfa/ledger-service/pkg/mailer"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Repository: PostgreSQL when configured, otherwise the in-memory store for local runs.
	var (
		repository store.Repository
		dbpool     *pgxpool.Pool
	)
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory store\" env=DATABASE_URL")
		repository = memory.NewRepository()
	} else {
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
			}
		}

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		dbpool, err = pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	}

	// Redis backs the confirm rate limiter and the bank lookup cache. Both degrade without it.
	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; confirm rate limiting and bank cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; confirm rate limiting and bank cache disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; confirm rate limiting and bank cache disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var banks app.BankDirectory
	if strings.TrimSpace(cfg.BankRegistryURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"bank registry url missing; using static bank directory\" env=BANK_REGISTRY_URL")
		banks = bankclient.NewStaticDirectory(nil)
	} else {
		var cache redis.UniversalClient
		if redisClient != nil {
			cache = redisClient
		}
		banks = bankclient.NewClient(cfg.BankRegistryURL, cfg.BankRegistryAPIKey, cache, cfg.RedisKeyPrefix, time.Duration(cfg.BankCacheTTLMinutes)*time.Minute)
	}

	var limiter app.ConfirmRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	mailSender := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)

	ledgerService := app.NewService(repository, mailSender, banks, limiter, app.Options{
		EventExchange:             cfg.EventExchange,
		OTPTTL:                    time.Duration(cfg.OTPTTLSeconds) * time.Second,
		OTPMaxAttempts:            cfg.OTPMaxAttempts,
		ConfirmRateLimitPerMinute: cfg.OTPConfirmRateLimitPerMinute,
	})

	// Outbox dispatcher. Without a broker URL events are logged and marked delivered.
	rabbitURL := cfg.RabbitMQURL
	dispatcher := app.NewOutboxDispatcher(repository, func() (rmrabbit.Publisher, error) {
		if rabbitURL == "" {
			return &rmrabbit.EventProducerFallback{}, nil
		}
		return rmrabbit.NewEventProducer(rabbitURL)
	})
	if rabbitURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; lifecycle events will only be logged\" env=RABBITMQ_URL")
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()

	// Scheduled jobs log through slog, matching the cron logger bridge.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(ledgerService.Workflow(), repository, time.Duration(cfg.OutboxRetentionHours)*time.Hour, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.ExpirySweepSchedule, cfg.OutboxPurgeSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewLedgerHandlers(ledgerService)
	router := api.NewRouter(handlers, cfg.JWTSecret, cfg.JWTIssuer, cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
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

	<-scheduler.Stop().Done()
	ledgerService.OTP().WaitForDispatch()

	stopDispatch()
	<-dispatchDone

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
