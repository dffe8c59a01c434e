package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/studyraid/packledger/internal/infrastructure/observability"
	"github.com/studyraid/packledger/internal/models"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PostgresPurchaseRepository struct {
	db *sql.DB
}

func NewPostgresPurchaseRepository(db *sql.DB) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{db: db}
}

const purchaseColumns = `id, user_id, quantity, consumed, amount_paid, currency, source_payment_id, status, purchased_at, expires_at, refunded_at, refund_amount`

func scanPurchase(row interface{ Scan(...any) error }) (*models.Purchase, error) {
	var p models.Purchase
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Quantity,
		&p.Consumed,
		&p.AmountPaid,
		&p.Currency,
		&p.SourcePaymentID,
		&p.Status,
		&p.PurchasedAt,
		&p.ExpiresAt,
		&p.RefundedAt,
		&p.RefundAmount,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresPurchaseRepository) Create(ctx context.Context, p *models.Purchase) (err error) {
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreatePurchase", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreatePurchase").Observe(time.Since(start).Seconds())
	}()

	if p == nil {
		return pkgerrors.ErrInvalidInput
	}
	if p.Quantity <= 0 || p.AmountPaid <= 0 || p.SourcePaymentID == "" {
		err = pkgerrors.ErrInvalidInput
		slog.Error("invalid purchase", "method", "Create", "user_id", p.UserID, "quantity", p.Quantity, "amount_paid", p.AmountPaid, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.Int64("user_id", p.UserID),
		attribute.Int("quantity", int(p.Quantity)),
		attribute.String("source_payment_id", p.SourcePaymentID),
	)

	query := `
	INSERT INTO purchases (user_id, quantity, consumed, amount_paid, currency, source_payment_id, status, purchased_at, expires_at)
	VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8)
	RETURNING id
	`
	err = r.db.QueryRowContext(
		ctx,
		query,
		p.UserID,
		p.Quantity,
		p.AmountPaid,
		p.Currency,
		p.SourcePaymentID,
		models.StatusActive,
		p.PurchasedAt,
		p.ExpiresAt,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		err = pkgerrors.ErrDuplicatePayment
		return err
	}
	if err != nil {
		err = fmt.Errorf("failed to create purchase: %w", err)
		slog.Error("failed to create purchase", "method", "Create", "user_id", p.UserID, "error", err)
		return err
	}

	p.Consumed = 0
	p.Status = models.StatusActive
	slog.Info("purchase created", "method", "Create", "id", p.ID, "user_id", p.UserID, "quantity", p.Quantity)
	return nil
}

func (r *PostgresPurchaseRepository) GetByID(ctx context.Context, id int64) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	p, err := scanPurchase(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (r *PostgresPurchaseRepository) GetBySourcePaymentID(ctx context.Context, sourcePaymentID string) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE source_payment_id = $1`
	p, err := scanPurchase(r.db.QueryRowContext(ctx, query, sourcePaymentID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase by payment id: %w", err)
	}
	return p, nil
}

func (r *PostgresPurchaseRepository) ListByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE user_id = $1 ORDER BY purchased_at DESC, id DESC`
	return r.listPurchases(ctx, query, userID)
}

func (r *PostgresPurchaseRepository) ListActive(ctx context.Context, userID int64, now time.Time) ([]models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY purchased_at ASC, id ASC`
	return r.listPurchases(ctx, query, userID, now)
}

func (r *PostgresPurchaseRepository) listPurchases(ctx context.Context, query string, args ...any) ([]models.Purchase, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return purchases, nil
}

// ConsumeFIFO performs the allocation as a single transaction so the
// sufficiency check, the consumed increments and the idempotency record
// commit or roll back together. Eligible rows are locked FOR UPDATE, which
// serializes concurrent consumption for the same user.
func (r *PostgresPurchaseRepository) ConsumeFIFO(ctx context.Context, userID int64, quantity int32, key string, now time.Time) (result *models.ConsumptionResult, replayed bool, err error) {
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "ConsumeFIFO")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ConsumeFIFO", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ConsumeFIFO").Observe(time.Since(start).Seconds())
	}()

	if quantity <= 0 || key == "" {
		err = pkgerrors.ErrInvalidInput
		return nil, false, err
	}

	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int("quantity", int(quantity)),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, false, err
	}
	// No-op after a successful commit.
	defer dbTx.Rollback()

	// Replay: a completed key returns its frozen result, regardless of what
	// happened to the purchases since.
	stored, err := getIdempotencyRecord(ctx, dbTx, userID, key)
	if err == nil {
		return &stored.Result, true, nil
	}
	if !stderrors.Is(err, pkgerrors.ErrIdempotencyNotFound) {
		err = fmt.Errorf("failed to check idempotency key: %w", err)
		return nil, false, err
	}

	lockQuery := `SELECT ` + purchaseColumns + ` FROM purchases
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2 AND consumed < quantity
		ORDER BY purchased_at ASC, id ASC
		FOR UPDATE`
	rows, err := dbTx.QueryContext(ctx, lockQuery, userID, now)
	if err != nil {
		err = mapTxError(fmt.Errorf("failed to lock purchases: %w", err))
		return nil, false, err
	}

	var purchases []models.Purchase
	for rows.Next() {
		p, scanErr := scanPurchase(rows)
		if scanErr != nil {
			rows.Close()
			err = fmt.Errorf("failed to scan purchase: %w", scanErr)
			return nil, false, err
		}
		purchases = append(purchases, *p)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("failed to read purchases: %w", err)
		return nil, false, err
	}
	rows.Close()

	var total int32
	for i := range purchases {
		total += purchases[i].Available()
	}

	plan, err := models.PlanAllocation(purchases, quantity)
	if err != nil {
		slog.Warn("consumption rejected", "method", "ConsumeFIFO", "user_id", userID, "requested", quantity, "available", total, "error", err)
		return nil, false, err
	}

	// The guard on the UPDATE mirrors the earlier check; it can only fire if
	// something slipped past the row locks, in which case nothing commits.
	updateQuery := `UPDATE purchases SET consumed = consumed + $1 WHERE id = $2 AND consumed + $1 <= quantity`
	for _, a := range plan {
		res, execErr := dbTx.ExecContext(ctx, updateQuery, a.Quantity, a.PurchaseID)
		if execErr != nil {
			err = mapTxError(fmt.Errorf("failed to update consumed: %w", execErr))
			return nil, false, err
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			err = fmt.Errorf("failed to read rows affected: %w", raErr)
			return nil, false, err
		}
		if affected != 1 {
			err = pkgerrors.ErrConflict
			slog.Error("consumed guard rejected update", "method", "ConsumeFIFO", "user_id", userID, "purchase_id", a.PurchaseID)
			return nil, false, err
		}
	}

	result = &models.ConsumptionResult{
		Quantity:    quantity,
		NewBalance:  total - quantity,
		Source:      models.SourceExtra,
		Allocations: plan,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		err = fmt.Errorf("failed to marshal consumption result: %w", err)
		return nil, false, err
	}

	insertQuery := `INSERT INTO idempotency_keys (user_id, key, result, created_at) VALUES ($1, $2, $3, $4)`
	if _, err = dbTx.ExecContext(ctx, insertQuery, userID, key, payload, now); err != nil {
		if isUniqueViolation(err) {
			// Lost a same-key race: the winner committed first. Return its
			// stored result; our own allocation rolls back untouched.
			if rbErr := dbTx.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "method", "ConsumeFIFO", "error", rbErr)
			}
			stored, getErr := getIdempotencyRecord(ctx, r.db, userID, key)
			if getErr != nil {
				err = fmt.Errorf("failed to read winning result: %w", getErr)
				return nil, false, err
			}
			err = nil
			return &stored.Result, true, nil
		}
		err = mapTxError(fmt.Errorf("failed to record idempotency key: %w", err))
		return nil, false, err
	}

	if err = dbTx.Commit(); err != nil {
		err = mapTxError(fmt.Errorf("failed to commit consumption: %w", err))
		return nil, false, err
	}

	slog.Info("packs consumed", "method", "ConsumeFIFO", "user_id", userID, "quantity", quantity, "new_balance", result.NewBalance, "purchases_touched", len(plan))
	return result, false, nil
}

func (r *PostgresPurchaseRepository) Refund(ctx context.Context, purchaseID int64, refundAmount float64, now time.Time) (purchase *models.Purchase, err error) {
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "RefundPurchase")
	span.SetAttributes(attribute.Int64("purchase_id", purchaseID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("RefundPurchase", status).Inc()
		observability.RepositoryDuration.WithLabelValues("RefundPurchase").Observe(time.Since(start).Seconds())
	}()

	if refundAmount <= 0 {
		err = pkgerrors.ErrInvalidInput
		return nil, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}
	defer dbTx.Rollback()

	lockQuery := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1 FOR UPDATE`
	purchase, err = scanPurchase(dbTx.QueryRowContext(ctx, lockQuery, purchaseID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPurchaseNotFound
		return nil, err
	}
	if err != nil {
		err = mapTxError(fmt.Errorf("failed to lock purchase: %w", err))
		return nil, err
	}

	if purchase.Status != models.StatusActive {
		err = pkgerrors.ErrPurchaseNotActive
		slog.Warn("refund rejected", "method", "Refund", "purchase_id", purchaseID, "status", purchase.Status)
		return nil, err
	}

	updateQuery := `UPDATE purchases SET status = $1, refunded_at = $2, refund_amount = $3 WHERE id = $4`
	if _, err = dbTx.ExecContext(ctx, updateQuery, models.StatusRefunded, now, refundAmount, purchaseID); err != nil {
		err = mapTxError(fmt.Errorf("failed to refund purchase: %w", err))
		return nil, err
	}

	if err = dbTx.Commit(); err != nil {
		err = mapTxError(fmt.Errorf("failed to commit refund: %w", err))
		return nil, err
	}

	refundedAt := now
	purchase.Status = models.StatusRefunded
	purchase.RefundedAt = &refundedAt
	purchase.RefundAmount = &refundAmount
	slog.Info("purchase refunded", "method", "Refund", "purchase_id", purchaseID, "refund_amount", refundAmount)
	return purchase, nil
}

func (r *PostgresPurchaseRepository) ExpireDue(ctx context.Context, now time.Time) (expired int64, err error) {
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "ExpireDue")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ExpireDue", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ExpireDue").Observe(time.Since(start).Seconds())
	}()

	query := `UPDATE purchases SET status = $1 WHERE status = $2 AND expires_at <= $3`
	res, err := r.db.ExecContext(ctx, query, models.StatusExpired, models.StatusActive, now)
	if err != nil {
		err = fmt.Errorf("failed to expire purchases: %w", err)
		return 0, err
	}
	expired, err = res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to read rows affected: %w", err)
		return 0, err
	}
	if expired > 0 {
		slog.Info("purchases expired", "method", "ExpireDue", "count", expired)
	}
	return expired, nil
}
