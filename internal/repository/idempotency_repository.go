package repository

import (
	"context"

	"github.com/studyraid/packledger/internal/models"
)

type IdempotencyRepository interface {
	// Get returns the stored record for (userID, key), or
	// ErrIdempotencyNotFound when the key has never completed.
	Get(ctx context.Context, userID int64, key string) (*models.IdempotencyRecord, error)
}
