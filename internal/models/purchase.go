package models

import "time"

type PurchaseStatus string

const (
	StatusActive   PurchaseStatus = "active"
	StatusExpired  PurchaseStatus = "expired"
	StatusRefunded PurchaseStatus = "refunded"
)

// Purchase is one extra-pack bundle buy event. Rows are never deleted;
// only Consumed and Status change after creation.
type Purchase struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	Quantity        int32          `json:"quantity"`
	Consumed        int32          `json:"consumed"`
	AmountPaid      float64        `json:"amount_paid"`
	Currency        string         `json:"currency"`
	SourcePaymentID string         `json:"source_payment_id"`
	Status          PurchaseStatus `json:"status"`
	PurchasedAt     time.Time      `json:"purchased_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RefundedAt      *time.Time     `json:"refunded_at,omitempty"`
	RefundAmount    *float64       `json:"refund_amount,omitempty"`
}

// Available returns the packs still consumable from this purchase.
// The store guarantees Consumed never exceeds Quantity.
func (p *Purchase) Available() int32 {
	return p.Quantity - p.Consumed
}

// Consumable reports whether the purchase can still be drawn from at t.
func (p *Purchase) Consumable(t time.Time) bool {
	return p.Status == StatusActive && p.ExpiresAt.After(t) && p.Consumed < p.Quantity
}

// PurchaseInput carries the fields of a confirmed payment that back a new
// purchase. SourcePaymentID is the gateway transaction id; it dedupes
// duplicate webhook deliveries.
type PurchaseInput struct {
	UserID          int64   `json:"user_id"`
	Quantity        int32   `json:"quantity"`
	AmountPaid      float64 `json:"amount_paid"`
	Currency        string  `json:"currency"`
	SourcePaymentID string  `json:"source_payment_id"`
}

// PurchaseView is the per-purchase slice of a balance summary.
type PurchaseView struct {
	PurchaseID int64     `json:"purchase_id"`
	Quantity   int32     `json:"quantity"`
	Consumed   int32     `json:"consumed"`
	Available  int32     `json:"available"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type BalanceSummary struct {
	Total             int32          `json:"total"`
	Purchases         []PurchaseView `json:"purchases"`
	NearestExpiration *time.Time     `json:"nearest_expiration,omitempty"`
}
