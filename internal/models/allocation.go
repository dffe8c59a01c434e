package models

import (
	"sort"

	pkgerrors "github.com/studyraid/packledger/pkg/errors"
)

// PlanAllocation decides how a requested quantity is split across the given
// purchases: oldest purchase first, ties broken by id, each purchase drained
// before the next is touched. The input slice is not mutated.
//
// Purchases that are not active or have nothing left are skipped, so callers
// may pass an unfiltered snapshot. Returns ErrInsufficientBalance when the
// eligible purchases cannot cover the request; no partial plan is returned.
func PlanAllocation(purchases []Purchase, quantity int32) ([]Allocation, error) {
	if quantity <= 0 {
		return nil, pkgerrors.ErrInvalidInput
	}

	eligible := make([]Purchase, 0, len(purchases))
	var total int32
	for _, p := range purchases {
		if p.Status != StatusActive || p.Available() <= 0 {
			continue
		}
		eligible = append(eligible, p)
		total += p.Available()
	}
	if total < quantity {
		return nil, pkgerrors.ErrInsufficientBalance
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].PurchasedAt.Equal(eligible[j].PurchasedAt) {
			return eligible[i].PurchasedAt.Before(eligible[j].PurchasedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	remaining := quantity
	var plan []Allocation
	for _, p := range eligible {
		if remaining == 0 {
			break
		}
		take := p.Available()
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{PurchaseID: p.ID, Quantity: take})
		remaining -= take
	}
	return plan, nil
}
