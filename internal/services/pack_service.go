package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/studyraid/packledger/internal/clock"
	"github.com/studyraid/packledger/internal/infrastructure/kafka"
	"github.com/studyraid/packledger/internal/infrastructure/observability"
	"github.com/studyraid/packledger/internal/infrastructure/redis"
	"github.com/studyraid/packledger/internal/models"
	"github.com/studyraid/packledger/internal/repository"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const (
	balanceCacheTTL = time.Minute
	idempotencyTTL  = 24 * time.Hour
	EventsTopic     = "pack-events"
)

type PackService interface {
	GetBundles() []models.Bundle
	CreatePurchase(ctx context.Context, in models.PurchaseInput) (*models.Purchase, error)
	GetAvailableBalance(ctx context.Context, userID int64) (*models.BalanceSummary, error)
	ListPurchases(ctx context.Context, userID int64) ([]models.Purchase, error)
	ConsumeExtraPacks(ctx context.Context, userID int64, quantity int32, idempotencyKey string) (*models.ConsumptionResult, error)
	ConsumePacks(ctx context.Context, userID int64, plan string, quantity int32, idempotencyKey string) (*models.UsageBreakdown, error)
	RefundPurchase(ctx context.Context, purchaseID int64, refundAmount float64) (*models.Purchase, error)
	ExpireDuePurchases(ctx context.Context) (int64, error)
}

type packService struct {
	purchaseRepo repository.PurchaseRepository
	idemRepo     repository.IdempotencyRepository
	usage        UsageService
	redisClient  redis.RedisClient
	producer     kafka.KafkaProducer
	clock        clock.Clock
}

func NewPackService(
	purchaseRepo repository.PurchaseRepository,
	idemRepo repository.IdempotencyRepository,
	usage UsageService,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	clk clock.Clock,
) *packService {
	return &packService{
		purchaseRepo: purchaseRepo,
		idemRepo:     idemRepo,
		usage:        usage,
		redisClient:  redisClient,
		producer:     producer,
		clock:        clk,
	}
}

func balanceCacheKey(userID int64) string {
	return fmt.Sprintf("user:%d:packbalance", userID)
}

func idempotencyCacheKey(userID int64, key string) string {
	return fmt.Sprintf("user:%d:consume:%s", userID, key)
}

func (s *packService) GetBundles() []models.Bundle {
	return models.Bundles()
}

func (s *packService) CreatePurchase(ctx context.Context, in models.PurchaseInput) (*models.Purchase, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()

	if in.Quantity <= 0 || in.AmountPaid <= 0 || in.SourcePaymentID == "" {
		span.SetStatus(codes.Error, "invalid purchase input")
		slog.Warn("invalid purchase input",
			"user_id", in.UserID,
			"quantity", in.Quantity,
			"amount_paid", in.AmountPaid)
		return nil, pkgerrors.ErrInvalidInput
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	now := s.clock.Now()
	purchase := &models.Purchase{
		UserID:          in.UserID,
		Quantity:        in.Quantity,
		AmountPaid:      in.AmountPaid,
		Currency:        in.Currency,
		SourcePaymentID: in.SourcePaymentID,
		PurchasedAt:     now,
		ExpiresAt:       models.ExpiryFor(now),
	}

	err := s.purchaseRepo.Create(ctx, purchase)
	if stderrors.Is(err, pkgerrors.ErrDuplicatePayment) {
		// Duplicate webhook delivery: return the already-recorded purchase
		// instead of crediting the user twice.
		existing, getErr := s.purchaseRepo.GetBySourcePaymentID(ctx, in.SourcePaymentID)
		if getErr != nil {
			span.RecordError(getErr)
			span.SetStatus(codes.Error, "duplicate payment lookup failed")
			return nil, fmt.Errorf("%w: failed to load existing purchase", pkgerrors.ErrInternal)
		}
		slog.Info("duplicate payment ignored",
			"user_id", in.UserID,
			"payment_id", in.SourcePaymentID,
			"purchase_id", existing.ID)
		return existing, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase creation failed")
		slog.Error("failed to create purchase", "user_id", in.UserID, "error", err)
		return nil, err
	}

	if delErr := s.redisClient.Del(ctx, balanceCacheKey(in.UserID)); delErr != nil {
		slog.Error("failed to invalidate balance cache", "user_id", in.UserID, "error", delErr)
	}

	s.emitEvent(ctx, in.UserID, map[string]interface{}{
		"event_type":  "purchase_created",
		"purchase_id": purchase.ID,
		"user_id":     purchase.UserID,
		"quantity":    purchase.Quantity,
		"amount_paid": purchase.AmountPaid,
		"currency":    purchase.Currency,
		"payment_id":  purchase.SourcePaymentID,
		"expires_at":  purchase.ExpiresAt.Format(time.RFC3339),
		"created_at":  now.Format(time.RFC3339),
	})

	slog.Info("purchase created",
		"purchase_id", purchase.ID,
		"user_id", purchase.UserID,
		"quantity", purchase.Quantity,
		"expires_at", purchase.ExpiresAt)
	return purchase, nil
}

func (s *packService) GetAvailableBalance(ctx context.Context, userID int64) (*models.BalanceSummary, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "GetAvailableBalance")
	defer span.End()

	cacheKey := balanceCacheKey(userID)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		var summary models.BalanceSummary
		if err := json.Unmarshal([]byte(cached), &summary); err != nil {
			slog.Error("failed to unmarshal cached balance", "user_id", userID, "error", err)
		} else {
			return &summary, nil
		}
	}

	purchases, err := s.purchaseRepo.ListActive(ctx, userID, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list purchases")
		slog.Error("failed to list active purchases", "user_id", userID, "error", err)
		return nil, err
	}

	summary := aggregateBalance(purchases)

	if data, err := json.Marshal(summary); err == nil {
		if err := s.redisClient.Set(ctx, cacheKey, string(data), balanceCacheTTL); err != nil {
			slog.Error("failed to cache balance", "user_id", userID, "error", err)
		}
	}

	return summary, nil
}

// aggregateBalance folds active purchases into the caller-facing summary.
// Nearest expiration only considers purchases that still have packs left.
func aggregateBalance(purchases []models.Purchase) *models.BalanceSummary {
	summary := &models.BalanceSummary{Purchases: []models.PurchaseView{}}
	for i := range purchases {
		p := purchases[i]
		available := p.Available()
		summary.Total += available
		summary.Purchases = append(summary.Purchases, models.PurchaseView{
			PurchaseID: p.ID,
			Quantity:   p.Quantity,
			Consumed:   p.Consumed,
			Available:  available,
			ExpiresAt:  p.ExpiresAt,
		})
		if available > 0 {
			expiresAt := p.ExpiresAt
			if summary.NearestExpiration == nil || expiresAt.Before(*summary.NearestExpiration) {
				summary.NearestExpiration = &expiresAt
			}
		}
	}
	return summary
}

func (s *packService) ListPurchases(ctx context.Context, userID int64) ([]models.Purchase, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "ListPurchases")
	defer span.End()

	purchases, err := s.purchaseRepo.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list purchases")
		slog.Error("failed to list purchases", "user_id", userID, "error", err)
		return nil, err
	}
	return purchases, nil
}

func (s *packService) ConsumeExtraPacks(ctx context.Context, userID int64, quantity int32, idempotencyKey string) (*models.ConsumptionResult, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "ConsumeExtraPacks")
	defer span.End()

	if quantity <= 0 || idempotencyKey == "" {
		span.SetStatus(codes.Error, "invalid consumption input")
		return nil, pkgerrors.ErrInvalidInput
	}

	// Fast path: a replayed key is answered from cache without touching the
	// ledger. The record inside the allocator's transaction stays
	// authoritative.
	cacheKey := idempotencyCacheKey(userID, idempotencyKey)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		var result models.ConsumptionResult
		unmarshalErr := json.Unmarshal([]byte(cached), &result)
		if unmarshalErr == nil {
			slog.Info("consumption replayed from cache", "user_id", userID, "idempotency_key", idempotencyKey)
			return &result, nil
		}
		slog.Error("failed to unmarshal cached consumption result", "user_id", userID, "error", unmarshalErr)
	}

	if rec, err := s.idemRepo.Get(ctx, userID, idempotencyKey); err == nil {
		s.cacheResult(ctx, cacheKey, &rec.Result)
		slog.Info("consumption replayed", "user_id", userID, "idempotency_key", idempotencyKey)
		return &rec.Result, nil
	} else if !stderrors.Is(err, pkgerrors.ErrIdempotencyNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency lookup failed")
		return nil, err
	}

	result, replayed, err := s.purchaseRepo.ConsumeFIFO(ctx, userID, quantity, idempotencyKey, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "consumption failed")
		slog.Error("failed to consume extra packs",
			"user_id", userID,
			"quantity", quantity,
			"idempotency_key", idempotencyKey,
			"error", err)
		return nil, err
	}

	s.cacheResult(ctx, cacheKey, result)

	if replayed {
		slog.Info("consumption replayed", "user_id", userID, "idempotency_key", idempotencyKey)
		return result, nil
	}

	if delErr := s.redisClient.Del(ctx, balanceCacheKey(userID)); delErr != nil {
		slog.Error("failed to invalidate balance cache", "user_id", userID, "error", delErr)
	}
	observability.PacksConsumed.WithLabelValues(models.SourceExtra).Add(float64(quantity))

	s.emitEvent(ctx, userID, map[string]interface{}{
		"event_type":      "packs_consumed",
		"user_id":         userID,
		"quantity":        quantity,
		"new_balance":     result.NewBalance,
		"source":          result.Source,
		"allocations":     result.Allocations,
		"idempotency_key": idempotencyKey,
		"created_at":      s.clock.Now().Format(time.RFC3339),
	})

	slog.Info("extra packs consumed",
		"user_id", userID,
		"quantity", quantity,
		"new_balance", result.NewBalance)
	return result, nil
}

func (s *packService) RefundPurchase(ctx context.Context, purchaseID int64, refundAmount float64) (*models.Purchase, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "RefundPurchase")
	defer span.End()

	if refundAmount <= 0 {
		span.SetStatus(codes.Error, "invalid refund amount")
		return nil, pkgerrors.ErrInvalidInput
	}

	purchase, err := s.purchaseRepo.Refund(ctx, purchaseID, refundAmount, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		slog.Error("failed to refund purchase", "purchase_id", purchaseID, "error", err)
		return nil, err
	}

	if delErr := s.redisClient.Del(ctx, balanceCacheKey(purchase.UserID)); delErr != nil {
		slog.Error("failed to invalidate balance cache", "user_id", purchase.UserID, "error", delErr)
	}

	s.emitEvent(ctx, purchase.UserID, map[string]interface{}{
		"event_type":    "purchase_refunded",
		"purchase_id":   purchase.ID,
		"user_id":       purchase.UserID,
		"refund_amount": refundAmount,
		"consumed":      purchase.Consumed,
		"created_at":    s.clock.Now().Format(time.RFC3339),
	})

	slog.Info("purchase refunded", "purchase_id", purchase.ID, "user_id", purchase.UserID, "refund_amount", refundAmount)
	return purchase, nil
}

func (s *packService) ExpireDuePurchases(ctx context.Context) (int64, error) {
	tracer := otel.Tracer("pack-service")
	ctx, span := tracer.Start(ctx, "ExpireDuePurchases")
	defer span.End()

	expired, err := s.purchaseRepo.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expiration sweep failed")
		slog.Error("failed to expire purchases", "error", err)
		return 0, err
	}
	if expired == 0 {
		return 0, nil
	}

	// Per-user balance caches are not tracked here; the short cache TTL
	// bounds how long an expired purchase can still show up in a summary.
	observability.PurchasesExpired.Add(float64(expired))
	s.emitEvent(ctx, 0, map[string]interface{}{
		"event_type": "purchases_expired",
		"count":      expired,
		"created_at": s.clock.Now().Format(time.RFC3339),
	})

	slog.Info("expiration sweep completed", "expired", expired)
	return expired, nil
}

func (s *packService) cacheResult(ctx context.Context, cacheKey string, result *models.ConsumptionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to marshal consumption result", "error", err)
		return
	}
	if err := s.redisClient.Set(ctx, cacheKey, string(data), idempotencyTTL); err != nil {
		slog.Error("failed to cache consumption result", "error", err)
	}
}

// emitEvent publishes a ledger event. Events are advisory (analytics, billing
// dashboards); a broker failure is logged but never fails the operation.
func (s *packService) emitEvent(ctx context.Context, key int64, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal ledger event", "error", err)
		return
	}
	if err := s.producer.Send(ctx, EventsTopic, key, data); err != nil {
		slog.Error("failed to send ledger event", "event_type", event["event_type"], "error", err)
	}
}
