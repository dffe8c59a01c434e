package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	stderrors "errors"

	"github.com/studyraid/packledger/internal/infrastructure/observability"
	"github.com/studyraid/packledger/internal/infrastructure/redis"
	"github.com/studyraid/packledger/internal/models"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const (
	SourceMonthly = "monthly"

	// Usage counters are keyed by calendar month; the TTL just has to outlive
	// the month they belong to.
	usageCounterTTL = 45 * 24 * time.Hour
)

type PlanLimits struct {
	MonthlyLimit int32 `json:"monthly_limit"`
}

// UsageService is the monthly-quota collaborator. The allocator never talks
// to it; only the coordinator below does.
type UsageService interface {
	GetPlanLimits(ctx context.Context, plan string) (PlanLimits, error)
	MonthlyUsed(ctx context.Context, userID int64, month time.Time) (int32, error)
	AddMonthlyUsage(ctx context.Context, userID int64, month time.Time, n int32) (int32, error)
}

// ConsumePacks is the quota-coordinating workflow: the monthly quota is drawn
// first, and only the shortfall goes to the extra-pack allocator. When the
// shortfall cannot be covered nothing is consumed at all, monthly included.
func (s *packService) ConsumePacks(ctx context.Context, userID int64, plan string, quantity int32, idempotencyKey string) (*models.UsageBreakdown, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "ConsumePacks")
	defer span.End()

	if quantity <= 0 || idempotencyKey == "" {
		span.SetStatus(codes.Error, "invalid consumption input")
		return nil, pkgerrors.ErrInvalidInput
	}

	now := s.clock.Now()
	limits, err := s.usage.GetPlanLimits(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get plan limits")
		slog.Error("failed to get plan limits", "user_id", userID, "plan", plan, "error", err)
		return nil, err
	}
	used, err := s.usage.MonthlyUsed(ctx, userID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get monthly usage")
		slog.Error("failed to get monthly usage", "user_id", userID, "error", err)
		return nil, err
	}

	remaining := limits.MonthlyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	fromMonthly := quantity
	if fromMonthly > remaining {
		fromMonthly = remaining
	}
	shortfall := quantity - fromMonthly

	breakdown := &models.UsageBreakdown{
		Quantity:         quantity,
		FromMonthly:      fromMonthly,
		FromExtra:        shortfall,
		RemainingMonthly: remaining - fromMonthly,
		Source:           SourceMonthly,
	}

	// The extra side goes first: it is the part that can fail on balance,
	// and a rejected request must not leave the monthly counter bumped for a
	// request that ends up rejected.
	if shortfall > 0 {
		result, err := s.ConsumeExtraPacks(ctx, userID, shortfall, idempotencyKey)
		if err != nil {
			return nil, err
		}
		breakdown.ExtraBalance = result.NewBalance
		breakdown.Source = models.SourceExtra
	} else {
		summary, err := s.GetAvailableBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		breakdown.ExtraBalance = summary.Total
	}

	if fromMonthly > 0 {
		if _, err := s.usage.AddMonthlyUsage(ctx, userID, now, fromMonthly); err != nil {
			// The extra-pack part already committed; retries with the same
			// idempotency key will replay it rather than double-spend.
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to add monthly usage")
			slog.Error("failed to add monthly usage", "user_id", userID, "quantity", fromMonthly, "error", err)
			return nil, fmt.Errorf("%w: failed to record monthly usage", pkgerrors.ErrInternal)
		}
		observability.PacksConsumed.WithLabelValues(SourceMonthly).Add(float64(fromMonthly))
	}

	slog.Info("packs consumed",
		"user_id", userID,
		"quantity", quantity,
		"from_monthly", fromMonthly,
		"from_extra", shortfall,
		"source", breakdown.Source)
	return breakdown, nil
}

// redisUsageService keeps the month's usage counter in Redis and resolves
// plan limits from a static tier table.
type redisUsageService struct {
	redisClient redis.RedisClient
	limits      map[string]PlanLimits
}

func NewRedisUsageService(redisClient redis.RedisClient) *redisUsageService {
	return &redisUsageService{
		redisClient: redisClient,
		limits: map[string]PlanLimits{
			"free": {MonthlyLimit: 20},
			"plus": {MonthlyLimit: 150},
			"pro":  {MonthlyLimit: 400},
		},
	}
}

func (u *redisUsageService) GetPlanLimits(ctx context.Context, plan string) (PlanLimits, error) {
	if limits, ok := u.limits[plan]; ok {
		return limits, nil
	}
	return u.limits["free"], nil
}

func usageCounterKey(userID int64, month time.Time) string {
	return fmt.Sprintf("user:%d:usage:%s", userID, month.Format("2006-01"))
}

func (u *redisUsageService) MonthlyUsed(ctx context.Context, userID int64, month time.Time) (int32, error) {
	val, err := u.redisClient.Get(ctx, usageCounterKey(userID, month))
	if stderrors.Is(err, redis.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	used, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse monthly usage: %w", err)
	}
	return int32(used), nil
}

func (u *redisUsageService) AddMonthlyUsage(ctx context.Context, userID int64, month time.Time, n int32) (int32, error) {
	key := usageCounterKey(userID, month)
	used, err := u.redisClient.IncrBy(ctx, key, int64(n))
	if err != nil {
		return 0, fmt.Errorf("failed to add monthly usage: %w", err)
	}
	if used == int64(n) {
		// First write this month sets the counter's lifetime.
		if err := u.redisClient.Expire(ctx, key, usageCounterTTL); err != nil {
			slog.Error("failed to set usage counter TTL", "user_id", userID, "error", err)
		}
	}
	return int32(used), nil
}
