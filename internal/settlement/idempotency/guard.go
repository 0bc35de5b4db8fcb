// Package idempotency claims payment references exactly once. A claim is a
// row in processed_payments written in the same transaction as the settled
// ticket or vote, so the storage unique key decides between racing deliveries.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
)

type Outcome int

const (
	ClaimGranted Outcome = iota
	AlreadySettled
)

func (o Outcome) String() string {
	if o == AlreadySettled {
		return "already_settled"
	}
	return "claim_granted"
}

// Seen is the fast path: true when the reference has already been settled.
func Seen(ctx context.Context, idb bun.IDB, reference string) (bool, error) {
	exists, err := idb.NewSelect().
		Model((*models.ProcessedPayment)(nil)).
		Where("reference = ?", reference).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check processed payment %s: %w", reference, err)
	}
	return exists, nil
}

// Claim inserts the ledger row for reference. Losing a race, either as zero
// affected rows or as a unique violation, is AlreadySettled, not an error.
func Claim(ctx context.Context, idb bun.IDB, reference string, kind models.PaymentKind) (Outcome, error) {
	row := &models.ProcessedPayment{
		Reference: reference,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	res, err := idb.NewInsert().
		Model(row).
		On("CONFLICT (reference) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return AlreadySettled, nil
		}
		return ClaimGranted, fmt.Errorf("claim payment %s: %w", reference, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimGranted, fmt.Errorf("claim payment %s: %w", reference, err)
	}
	if n == 0 {
		return AlreadySettled, nil
	}
	return ClaimGranted, nil
}
