package repository

import (
	"context"
	"time"

	"github.com/studyraid/packledger/internal/models"
)

type PurchaseRepository interface {
	// Create persists a new active purchase and fills in its id. Returns
	// ErrDuplicatePayment when the source payment id is already recorded.
	Create(ctx context.Context, p *models.Purchase) error

	GetByID(ctx context.Context, id int64) (*models.Purchase, error)
	GetBySourcePaymentID(ctx context.Context, sourcePaymentID string) (*models.Purchase, error)

	// ListByUser returns the user's full purchase history, newest first.
	ListByUser(ctx context.Context, userID int64) ([]models.Purchase, error)

	// ListActive returns the user's active, unexpired purchases (including
	// fully drained ones), oldest first.
	ListActive(ctx context.Context, userID int64, now time.Time) ([]models.Purchase, error)

	// ConsumeFIFO runs the whole allocation as one transaction: idempotency
	// lookup, row-locked sufficiency check, oldest-first consumed increments,
	// and the idempotency record insert. replayed is true when a stored
	// result was returned without mutation.
	ConsumeFIFO(ctx context.Context, userID int64, quantity int32, key string, now time.Time) (result *models.ConsumptionResult, replayed bool, err error)

	// Refund marks an active purchase refunded. Already-consumed packs are
	// not restored.
	Refund(ctx context.Context, purchaseID int64, refundAmount float64, now time.Time) (*models.Purchase, error)

	// ExpireDue flips every overdue active purchase to expired and reports
	// how many rows changed. Safe to call repeatedly.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}
