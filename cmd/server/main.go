package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studyraid/packledger/internal/api"
	"github.com/studyraid/packledger/internal/clock"
	"github.com/studyraid/packledger/internal/config"
	"github.com/studyraid/packledger/internal/handler"
	"github.com/studyraid/packledger/internal/infrastructure/kafka"
	"github.com/studyraid/packledger/internal/infrastructure/observability"
	"github.com/studyraid/packledger/internal/infrastructure/redis"
	core "github.com/studyraid/packledger/internal/repository/postgres"
	service "github.com/studyraid/packledger/internal/services"

	_ "github.com/lib/pq"
)

func main() {
	observability.InitLogger()
	observability.InitMetrics()
	cfg := config.Load()

	tracerShutdown, err := observability.InitTracing("packledger", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer tracerShutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping Postgres: %v", err)
	}

	purchaseRepo := core.NewPostgresPurchaseRepository(db)
	idemRepo := core.NewPostgresIdempotencyRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	usage := service.NewRedisUsageService(redisClient)
	svc := service.NewPackService(purchaseRepo, idemRepo, usage, redisClient, producer, clock.SystemClock{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paymentConsumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsTopic, cfg.ConsumerGroup, svc)
	go paymentConsumer.Consume(ctx)
	defer paymentConsumer.Close()

	sweeper := service.NewSweeper(svc, redisClient, cfg.SweepInterval)
	go sweeper.Run(ctx)

	h := handler.NewHandler(svc)
	router := api.SetupRouter(h, db, redisClient, cfg.JWTSecret, cfg.AdminKeyHash)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
