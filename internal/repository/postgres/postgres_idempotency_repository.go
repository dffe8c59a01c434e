package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	stderrors "errors"

	"github.com/studyraid/packledger/internal/models"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
)

type PostgresIdempotencyRepository struct {
	db *sql.DB
}

func NewPostgresIdempotencyRepository(db *sql.DB) *PostgresIdempotencyRepository {
	return &PostgresIdempotencyRepository{db: db}
}

func (r *PostgresIdempotencyRepository) Get(ctx context.Context, userID int64, key string) (*models.IdempotencyRecord, error) {
	return getIdempotencyRecord(ctx, r.db, userID, key)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getIdempotencyRecord is shared with the allocator, which performs the same
// lookup inside its own transaction.
func getIdempotencyRecord(ctx context.Context, q rowQuerier, userID int64, key string) (*models.IdempotencyRecord, error) {
	query := `SELECT user_id, key, result, created_at FROM idempotency_keys WHERE user_id = $1 AND key = $2`

	var rec models.IdempotencyRecord
	var payload []byte
	err := q.QueryRowContext(ctx, query, userID, key).Scan(&rec.UserID, &rec.Key, &payload, &rec.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrIdempotencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored result: %w", err)
	}
	return &rec, nil
}
