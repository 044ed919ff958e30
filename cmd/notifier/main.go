/**
 * @description
 * This is the main entry point for the notifier. It consumes transaction lifecycle events
 * from the ledger's topic exchange and emails the account owner about each outcome.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Shared dedupe memory across notifier replicas.
 * - internal/config, internal/notifier: Configuration and event handling.
 * - pkg/mailer, pkg/rabbitmq: SMTP delivery and the RabbitMQ consumer.
 */
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/notifier"
	"github.com/transfa/ledger-service/pkg/mailer"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

var lifecyclePatterns = []string{
	"transaction.*.success",
	"transaction.*.failed",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.RabbitMQURL == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq url must be configured\" env=RABBITMQ_URL")
	}

	var deduper notifier.Deduper = notifier.NewMemoryDeduper(0)
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process dedupe\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			defer redisClient.Close()
			deduper = notifier.NewRedisDeduper(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.OutboxRetentionHours)*time.Hour)
			log.Println("level=info component=bootstrap msg=\"redis dedupe configured\"")
		}
	}

	mailSender := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	handler := notifier.NewEventHandler(mailSender, deduper)

	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		log.Printf("level=info component=notifier msg=\"consuming lifecycle events\" exchange=%s queue=%s", cfg.EventExchange, cfg.NotifierQueue)
		done <- consumer.ConsumeTopic(ctx, cfg.EventExchange, cfg.NotifierQueue, lifecyclePatterns, handler.HandleMessage)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("level=info component=notifier msg=\"shutdown started\"")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("level=fatal component=notifier msg=\"consumer stopped unexpectedly\" err=%v", err)
		}
	}

	log.Println("level=info component=notifier msg=\"shutdown complete\"")
}
