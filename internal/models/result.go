package models

import "time"

const SourceExtra = "extra"

// Allocation is the amount drawn from one purchase during a consumption.
type Allocation struct {
	PurchaseID int64 `json:"purchase_id"`
	Quantity   int32 `json:"quantity"`
}

// ConsumptionResult is the outcome of one extra-pack consumption. It is
// stored against the idempotency key at first success and replayed verbatim
// for retries.
type ConsumptionResult struct {
	Quantity    int32        `json:"quantity"`
	NewBalance  int32        `json:"new_balance"`
	Source      string       `json:"source"`
	Allocations []Allocation `json:"allocations"`
}

// IdempotencyRecord maps a (user, key) pair to its frozen first-success result.
type IdempotencyRecord struct {
	UserID    int64             `json:"user_id"`
	Key       string            `json:"key"`
	Result    ConsumptionResult `json:"result"`
	CreatedAt time.Time         `json:"created_at"`
}

// UsageBreakdown is the caller-facing outcome of a combined monthly-quota /
// extra-pack consumption, assembled by the quota coordinator.
type UsageBreakdown struct {
	Quantity         int32  `json:"quantity"`
	FromMonthly      int32  `json:"from_monthly"`
	FromExtra        int32  `json:"from_extra"`
	RemainingMonthly int32  `json:"remaining_monthly"`
	ExtraBalance     int32  `json:"extra_balance"`
	Source           string `json:"source"`
}
