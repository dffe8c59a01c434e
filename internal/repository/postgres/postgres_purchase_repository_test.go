package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/studyraid/packledger/internal/models"
	repository "github.com/studyraid/packledger/internal/repository/postgres"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
)

var purchaseTestColumns = []string{
	"id", "user_id", "quantity", "consumed", "amount_paid", "currency",
	"source_payment_id", "status", "purchased_at", "expires_at", "refunded_at", "refund_amount",
}

func activeRow(rows *sqlmock.Rows, id, userID int64, quantity, consumed int32, purchasedAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, userID, quantity, consumed, 6.99, "USD",
		fmt.Sprintf("pay_%d", id), string(models.StatusActive),
		purchasedAt, models.ExpiryFor(purchasedAt), nil, nil,
	)
}

func TestPostgresPurchaseRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPurchaseRepository(db)
	ctx := context.Background()

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	newPurchase := func() *models.Purchase {
		return &models.Purchase{
			UserID:          1,
			Quantity:        30,
			AmountPaid:      6.99,
			Currency:        "USD",
			SourcePaymentID: "pay_abc",
			PurchasedAt:     now,
			ExpiresAt:       models.ExpiryFor(now),
		}
	}

	t.Run("NilPurchase", func(t *testing.T) {
		err := repo.Create(ctx, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("InvalidQuantity", func(t *testing.T) {
		p := newPurchase()
		p.Quantity = 0
		err := repo.Create(ctx, p)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		p := newPurchase()
		p.AmountPaid = -1
		err := repo.Create(ctx, p)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("Success", func(t *testing.T) {
		p := newPurchase()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO purchases`)).
			WithArgs(p.UserID, p.Quantity, p.AmountPaid, p.Currency, p.SourcePaymentID, string(models.StatusActive), p.PurchasedAt, p.ExpiresAt).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		err := repo.Create(ctx, p)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), p.ID)
		assert.Equal(t, models.StatusActive, p.Status)
		assert.Equal(t, int32(0), p.Consumed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicatePayment", func(t *testing.T) {
		p := newPurchase()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO purchases`)).
			WithArgs(p.UserID, p.Quantity, p.AmountPaid, p.Currency, p.SourcePaymentID, string(models.StatusActive), p.PurchasedAt, p.ExpiresAt).
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Create(ctx, p)
		assert.ErrorIs(t, err, pkgerrors.ErrDuplicatePayment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		p := newPurchase()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO purchases`)).
			WillReturnError(fmt.Errorf("database error"))

		err := repo.Create(ctx, p)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create purchase")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPurchaseRepository_ConsumeFIFO(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPurchaseRepository(db)
	ctx := context.Background()

	userID := int64(1)
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	t0 := now.Add(-24 * time.Hour)

	t.Run("InvalidQuantity", func(t *testing.T) {
		_, _, err := repo.ConsumeFIFO(ctx, userID, 0, "key-1", now)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, _, err := repo.ConsumeFIFO(ctx, userID, 5, "", now)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("ReplayReturnsStoredResult", func(t *testing.T) {
		stored := `{"quantity":3,"new_balance":7,"source":"extra","allocations":[{"purchase_id":1,"quantity":3}]}`
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-replay").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "key", "result", "created_at"}).
				AddRow(userID, "key-replay", []byte(stored), now))
		mock.ExpectRollback()

		result, replayed, err := repo.ConsumeFIFO(ctx, userID, 3, "key-replay", now)
		assert.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, int32(7), result.NewBalance)
		assert.Equal(t, []models.Allocation{{PurchaseID: 1, Quantity: 3}}, result.Allocations)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InsufficientBalanceMutatesNothing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-short").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(userID, now).
			WillReturnRows(activeRow(sqlmock.NewRows(purchaseTestColumns), 1, userID, 5, 0, t0))
		mock.ExpectRollback()

		_, _, err := repo.ConsumeFIFO(ctx, userID, 10, "key-short", now)
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientBalance)
		// No UPDATE and no idempotency INSERT were expected: any mutation
		// attempt would fail ExpectationsWereMet.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AllocatesOldestFirst", func(t *testing.T) {
		rows := sqlmock.NewRows(purchaseTestColumns)
		activeRow(rows, 1, userID, 10, 5, t0)
		activeRow(rows, 2, userID, 30, 0, t0.Add(100*time.Millisecond))

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-fifo").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(userID, now).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET consumed = consumed +`)).
			WithArgs(int32(5), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET consumed = consumed +`)).
			WithArgs(int32(5), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO idempotency_keys`)).
			WithArgs(userID, "key-fifo", sqlmock.AnyArg(), now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, replayed, err := repo.ConsumeFIFO(ctx, userID, 10, "key-fifo", now)
		assert.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, int32(10), result.Quantity)
		assert.Equal(t, int32(25), result.NewBalance)
		assert.Equal(t, models.SourceExtra, result.Source)
		assert.Equal(t, []models.Allocation{
			{PurchaseID: 1, Quantity: 5},
			{PurchaseID: 2, Quantity: 5},
		}, result.Allocations)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SameKeyRaceLoserGetsWinnersResult", func(t *testing.T) {
		rows := sqlmock.NewRows(purchaseTestColumns)
		activeRow(rows, 1, userID, 10, 0, t0)
		winner := `{"quantity":4,"new_balance":6,"source":"extra","allocations":[{"purchase_id":1,"quantity":4}]}`

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-race").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(userID, now).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET consumed = consumed +`)).
			WithArgs(int32(4), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO idempotency_keys`)).
			WithArgs(userID, "key-race", sqlmock.AnyArg(), now).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-race").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "key", "result", "created_at"}).
				AddRow(userID, "key-race", []byte(winner), now))

		result, replayed, err := repo.ConsumeFIFO(ctx, userID, 4, "key-race", now)
		assert.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, int32(6), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GuardedUpdateConflict", func(t *testing.T) {
		rows := sqlmock.NewRows(purchaseTestColumns)
		activeRow(rows, 1, userID, 10, 0, t0)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM idempotency_keys`)).
			WithArgs(userID, "key-guard").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(userID, now).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET consumed = consumed +`)).
			WithArgs(int32(4), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, _, err := repo.ConsumeFIFO(ctx, userID, 4, "key-guard", now)
		assert.ErrorIs(t, err, pkgerrors.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPurchaseRepository_Refund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPurchaseRepository(db)
	ctx := context.Background()

	now := time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)
	purchasedAt := now.Add(-30 * 24 * time.Hour)

	t.Run("InvalidAmount", func(t *testing.T) {
		_, err := repo.Refund(ctx, 1, 0, now)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := repo.Refund(ctx, 99, 6.99, now)
		assert.ErrorIs(t, err, pkgerrors.ErrPurchaseNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AlreadyRefunded", func(t *testing.T) {
		refundedAt := now.Add(-time.Hour)
		amount := 6.99
		rows := sqlmock.NewRows(purchaseTestColumns).AddRow(
			int64(1), int64(1), int32(30), int32(10), 6.99, "USD", "pay_1",
			string(models.StatusRefunded), purchasedAt, models.ExpiryFor(purchasedAt), refundedAt, amount,
		)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(int64(1)).
			WillReturnRows(rows)
		mock.ExpectRollback()

		_, err := repo.Refund(ctx, 1, 6.99, now)
		assert.ErrorIs(t, err, pkgerrors.ErrPurchaseNotActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows(purchaseTestColumns)
		activeRow(rows, 1, 1, 30, 10, purchasedAt)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WithArgs(int64(1)).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET status`)).
			WithArgs(string(models.StatusRefunded), now, 6.99, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		purchase, err := repo.Refund(ctx, 1, 6.99, now)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusRefunded, purchase.Status)
		assert.NotNil(t, purchase.RefundedAt)
		assert.Equal(t, now, *purchase.RefundedAt)
		assert.Equal(t, 6.99, *purchase.RefundAmount)
		// Consumed is untouched: already-used packs stay used.
		assert.Equal(t, int32(10), purchase.Consumed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPurchaseRepository_ExpireDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPurchaseRepository(db)
	ctx := context.Background()
	now := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ExpiresOverdueRows", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET status`)).
			WithArgs(string(models.StatusExpired), string(models.StatusActive), now).
			WillReturnResult(sqlmock.NewResult(0, 3))

		expired, err := repo.ExpireDue(ctx, now)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RepeatSweepIsNoop", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET status`)).
			WithArgs(string(models.StatusExpired), string(models.StatusActive), now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		expired, err := repo.ExpireDue(ctx, now)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE purchases SET status`)).
			WillReturnError(fmt.Errorf("database error"))

		_, err := repo.ExpireDue(ctx, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to expire purchases")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPurchaseRepository_ListActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPurchaseRepository(db)
	ctx := context.Background()
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	t0 := now.Add(-48 * time.Hour)

	rows := sqlmock.NewRows(purchaseTestColumns)
	activeRow(rows, 1, 7, 10, 10, t0)
	activeRow(rows, 2, 7, 30, 5, t0.Add(time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM purchases`)).
		WithArgs(int64(7), now).
		WillReturnRows(rows)

	purchases, err := repo.ListActive(ctx, 7, now)
	assert.NoError(t, err)
	assert.Len(t, purchases, 2)
	assert.Equal(t, int32(0), purchases[0].Available())
	assert.Equal(t, int32(25), purchases[1].Available())
	assert.NoError(t, mock.ExpectationsWereMet())
}
