/**
 * @description
 * This is the main entry point for the postback-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * message brokers, repositories, the core application service, the retry sweeper,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for ingest rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
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
	"github.com/redis/go-redis/v9"

	"github.com/pointwall/postback-service/internal/api"
	"github.com/pointwall/postback-service/internal/app"
	"github.com/pointwall/postback-service/internal/config"
	"github.com/pointwall/postback-service/internal/store"
	pwrabbit "github.com/pointwall/postback-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AdminJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"admin jwt secret must be configured\" env=ADMIN_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting postback-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Offerwall traffic is bursty around campaign launches; keep a deep pool.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
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

	// Initialize the RabbitMQ producer for credited-conversion events. The
	// service can run without it; forwarding then falls back to in-process.
	rabbitProducer, err := pwrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using in-process forwarding\" err=%v", err)
		rabbitProducer = nil
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var redisClient *redis.Client
	if cfg.IngestRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; ingest rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; ingest rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; ingest rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the outbound forwarder and the core application service.
	forwarder := app.NewForwarder(repository, app.ForwarderConfig{
		Timeout:     time.Duration(cfg.ForwardTimeoutSeconds) * time.Second,
		MaxAttempts: cfg.ForwardMaxAttempts,
		BackoffBase: time.Duration(cfg.ForwardRetryBackoffMs) * time.Millisecond,
	})

	postbackService := app.NewService(repository, producerOrNil(rabbitProducer), forwarder, cfg.PointsPerCurrencyUnit)
	if redisClient != nil {
		postbackService.SetIngestRateLimiter(
			app.NewRedisIngestRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.IngestRateLimitPerMinute,
		)
	}

	// Wire up the credited-event consumer when the broker is available.
	if rabbitProducer != nil {
		rabbitConsumer, consumerErr := pwrabbit.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer init failed; relying on in-process forwarding\" err=%v", consumerErr)
		} else {
			defer rabbitConsumer.Close()
			creditedConsumer := postbackService.CreditedEventConsumer()
			bindings := map[string]func([]byte) bool{
				"postback.conversion.credited": creditedConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings("postback_events", cfg.PostbackEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"credited event consumer start failed\" err=%v", err)
			}
			log.Println("level=info component=bootstrap msg=\"credited event consumer started\"")
		}
	}

	// Start the retry sweeper for deliveries that exhausted in-line retries.
	sweeper := app.NewRetrySweeper(
		repository,
		forwarder,
		cfg.RetrySweepSchedule,
		cfg.ForwardMaxAttempts,
		time.Duration(cfg.RetrySweepMinAgeSeconds)*time.Second,
	)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"retry sweeper start failed\" err=%v", err)
	}

	// Initialize the API handlers and router.
	postbackHandlers := api.NewPostbackHandlers(postbackService)
	router := api.PostbackRoutes(postbackHandlers, cfg.AdminJWTSecret)

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

	// Let a running sweep finish before exiting.
	<-sweeper.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// producerOrNil avoids handing a typed-nil *EventProducer to the service,
// which would defeat its interface nil check.
func producerOrNil(producer *pwrabbit.EventProducer) pwrabbit.Publisher {
	if producer == nil {
		return nil
	}
	return producer
}
