package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr    string
	PostgresDSN   string
	RedisAddr     string
	KafkaBrokers  []string
	PaymentsTopic string
	ConsumerGroup string
	JWTSecret     string
	AdminKeyHash  string
	OTLPEndpoint  string
	SweepInterval time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		ListenAddr:    os.Getenv("LISTEN_ADDR"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		KafkaBrokers:  []string{os.Getenv("KAFKA_BROKER")},
		PaymentsTopic: os.Getenv("PAYMENTS_TOPIC"),
		ConsumerGroup: os.Getenv("CONSUMER_GROUP"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AdminKeyHash:  os.Getenv("ADMIN_KEY_HASH"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=packledger sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.PaymentsTopic == "" {
		cfg.PaymentsTopic = "payments"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "packledger"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4318"
	}

	cfg.SweepInterval = time.Hour
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.SweepInterval = d
		} else {
			slog.Warn("invalid SWEEP_INTERVAL, using default", "value", raw)
		}
	}

	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"sweep_interval", cfg.SweepInterval)
	return cfg
}
