package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/studyraid/packledger/internal/infrastructure/redis"
)

const sweepLockKey = "packledger:sweep:lock"

// Sweeper periodically flips overdue purchases to expired. A Redis lock
// keeps concurrent replicas from all running the same sweep; the sweep
// itself is idempotent, so a lost lock only costs duplicate work.
type Sweeper struct {
	service     PackService
	redisClient redis.RedisClient
	interval    time.Duration
}

func NewSweeper(service PackService, redisClient redis.RedisClient, interval time.Duration) *Sweeper {
	return &Sweeper{
		service:     service,
		redisClient: redisClient,
		interval:    interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("expiration sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) {
	ok, err := s.redisClient.SetNX(ctx, sweepLockKey, "locked", s.interval)
	if err != nil {
		slog.Error("failed to acquire sweep lock, sweeping anyway", "error", err)
	} else if !ok {
		return
	}

	expired, err := s.service.ExpireDuePurchases(ctx)
	if err != nil {
		slog.Error("expiration sweep failed", "error", err)
		return
	}
	if expired > 0 {
		slog.Info("expiration sweep done", "expired", expired)
	}
}
