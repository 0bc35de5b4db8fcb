package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrNotRecreditable   = errors.New("transfer is not failed or reversed")
	ErrAlreadyRecredited = errors.New("transfer already recredited")
	// ErrEarningsChanged means the unpaid rows or the balance moved between
	// reading and marking them. The sweep transaction is rolled back.
	ErrEarningsChanged = errors.New("unpaid earnings changed during sweep")
)

// Beneficiary is an organizer or reseller with a balance that may be swept.
type Beneficiary struct {
	Type            models.BeneficiaryType
	ID              string
	Name            string
	TotalEarned     int64
	PayoutThreshold int64
	RecipientCode   string
}

// Earnings are the unpaid rows backing one beneficiary's balance.
type Earnings struct {
	RowIDs []string
	Amount int64
}

type DB struct {
	Bun *bun.DB
}

// Beneficiaries returns every organizer and reseller with a positive balance
// and a payout recipient. Thresholds are applied by the caller.
func (d *DB) Beneficiaries(ctx context.Context) ([]Beneficiary, error) {
	var organizers []models.Organizer
	if err := d.Bun.NewSelect().
		Model(&organizers).
		Where("total_earned > 0").
		Where("payout_recipient_code IS NOT NULL").
		Where("payout_recipient_code <> ''").
		OrderExpr("id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list organizers with balance: %w", err)
	}

	var resellers []models.Reseller
	if err := d.Bun.NewSelect().
		Model(&resellers).
		Where("total_earned > 0").
		Where("payout_recipient_code IS NOT NULL").
		Where("payout_recipient_code <> ''").
		OrderExpr("id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list resellers with balance: %w", err)
	}

	out := make([]Beneficiary, 0, len(organizers)+len(resellers))
	for _, o := range organizers {
		out = append(out, Beneficiary{
			Type:            models.BeneficiaryOrganizer,
			ID:              o.ID,
			Name:            o.Name,
			TotalEarned:     o.TotalEarned,
			PayoutThreshold: o.PayoutThreshold,
			RecipientCode:   o.PayoutRecipientCode,
		})
	}
	for _, r := range resellers {
		out = append(out, Beneficiary{
			Type:            models.BeneficiaryReseller,
			ID:              r.ID,
			Name:            r.Name,
			TotalEarned:     r.TotalEarned,
			PayoutThreshold: r.PayoutThreshold,
			RecipientCode:   r.PayoutRecipientCode,
		})
	}
	return out, nil
}

func (d *DB) UnpaidEarnings(ctx context.Context, b Beneficiary) (Earnings, error) {
	var e Earnings
	switch b.Type {
	case models.BeneficiaryOrganizer:
		var rows []models.Payout
		if err := d.Bun.NewSelect().
			Model(&rows).
			Column("id", "beneficiary_amount").
			Where("beneficiary_id = ?", b.ID).
			Where("transfer_reference IS NULL").
			OrderExpr("created_at ASC").
			Scan(ctx); err != nil {
			return e, fmt.Errorf("unpaid payouts for %s: %w", b.ID, err)
		}
		for _, r := range rows {
			e.RowIDs = append(e.RowIDs, r.ID)
			e.Amount += r.BeneficiaryAmount
		}
	case models.BeneficiaryReseller:
		var rows []models.ResellerSale
		if err := d.Bun.NewSelect().
			Model(&rows).
			Column("id", "commission_earned").
			Where("reseller_id = ?", b.ID).
			Where("paid = ?", false).
			OrderExpr("created_at ASC").
			Scan(ctx); err != nil {
			return e, fmt.Errorf("unpaid sales for %s: %w", b.ID, err)
		}
		for _, r := range rows {
			e.RowIDs = append(e.RowIDs, r.ID)
			e.Amount += r.CommissionEarned
		}
	default:
		return e, fmt.Errorf("unknown beneficiary type %q", b.Type)
	}
	return e, nil
}

// OpenTransfers lists transfers still in Requested, oldest first. Their
// earnings are reserved; whether the processor has them is unknown until
// they are verified or retried under the same reference.
func (d *DB) OpenTransfers(ctx context.Context) ([]models.Transfer, error) {
	var out []models.Transfer
	if err := d.Bun.NewSelect().
		Model(&out).
		Where("status = ?", models.TransferRequested).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list open transfers: %w", err)
	}
	return out, nil
}

// HasOpenTransfer reports a transfer still in Requested for the beneficiary.
func (d *DB) HasOpenTransfer(ctx context.Context, b Beneficiary) (bool, error) {
	exists, err := d.Bun.NewSelect().
		Model((*models.Transfer)(nil)).
		Where("beneficiary_type = ?", b.Type).
		Where("beneficiary_id = ?", b.ID).
		Where("status = ?", models.TransferRequested).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check open transfers for %s: %w", b.ID, err)
	}
	return exists, nil
}

// ReserveTransfer inserts t as Requested, marks exactly the given rows with
// its reference and takes the amount off the balance, all or nothing. Once
// this commits the rows can never be swept into a second transfer.
func (d *DB) ReserveTransfer(ctx context.Context, t *models.Transfer, e Earnings) error {
	now := time.Now().UTC()
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(t).Exec(ctx); err != nil {
			return fmt.Errorf("insert transfer %s: %w", t.Reference, database.Translate(err))
		}

		var (
			res sql.Result
			err error
		)
		switch t.BeneficiaryType {
		case models.BeneficiaryOrganizer:
			res, err = tx.NewUpdate().
				Model((*models.Payout)(nil)).
				Set("transfer_reference = ?", t.Reference).
				Set("updated_at = ?", now).
				Where("id IN (?)", bun.In(e.RowIDs)).
				Where("transfer_reference IS NULL").
				Exec(ctx)
		case models.BeneficiaryReseller:
			res, err = tx.NewUpdate().
				Model((*models.ResellerSale)(nil)).
				Set("paid = ?", true).
				Set("payout_reference = ?", t.Reference).
				Where("id IN (?)", bun.In(e.RowIDs)).
				Where("paid = ?", false).
				Exec(ctx)
		default:
			return fmt.Errorf("unknown beneficiary type %q", t.BeneficiaryType)
		}
		if err != nil {
			return fmt.Errorf("reserve earnings for %s: %w", t.Reference, err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(e.RowIDs)) {
			return fmt.Errorf("%w: reserved %d of %d rows", ErrEarningsChanged, n, len(e.RowIDs))
		}

		bal, err := tx.NewUpdate().
			Model(balanceModel(t.BeneficiaryType)).
			Set("total_earned = total_earned - ?", t.Amount).
			Set("last_payout_at = ?", now).
			Where("id = ?", t.BeneficiaryID).
			Where("total_earned >= ?", t.Amount).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("debit %s %s: %w", t.BeneficiaryType, t.BeneficiaryID, err)
		}
		if n, _ := bal.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: balance of %s below %d", ErrEarningsChanged, t.BeneficiaryID, t.Amount)
		}
		return nil
	})
}

// MarkTransferPending records the processor's acceptance. It returns false
// when the transfer already left Requested, for example because its webhook
// arrived first.
func (d *DB) MarkTransferPending(ctx context.Context, reference, transferCode string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Transfer)(nil)).
		Set("status = ?", models.TransferPending).
		Set("transfer_code = ?", transferCode).
		Set("updated_at = ?", time.Now().UTC()).
		Where("reference = ?", reference).
		Where("status = ?", models.TransferRequested).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark transfer %s pending: %w", reference, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseTransfer records a definitive refusal: the transfer becomes Rejected,
// its rows are re-opened and the amount goes back on the balance. It does
// nothing unless the transfer is still Requested.
func (d *DB) ReleaseTransfer(ctx context.Context, reference, reason string) error {
	now := time.Now().UTC()
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var t models.Transfer
		if err := tx.NewSelect().Model(&t).Where("reference = ?", reference).Limit(1).Scan(ctx); err != nil {
			if errors.Is(database.Translate(err), database.ErrNotFound) {
				return ErrTransferNotFound
			}
			return fmt.Errorf("get transfer %s: %w", reference, err)
		}

		res, err := tx.NewUpdate().
			Model((*models.Transfer)(nil)).
			Set("status = ?", models.TransferRejected).
			Set("failure_reason = ?", reason).
			Set("updated_at = ?", now).
			Where("reference = ?", reference).
			Where("status = ?", models.TransferRequested).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reject transfer %s: %w", reference, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return restoreEarnings(ctx, tx, &t, now)
	})
}

// GetTransfer looks a transfer up by our reference, falling back to the
// processor's transfer code.
func (d *DB) GetTransfer(ctx context.Context, reference, transferCode string) (*models.Transfer, error) {
	var t models.Transfer
	q := d.Bun.NewSelect().Model(&t).Limit(1)
	switch {
	case reference != "" && transferCode != "":
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("reference = ?", reference).WhereOr("transfer_code = ?", transferCode)
		})
	case reference != "":
		q = q.Where("reference = ?", reference)
	case transferCode != "":
		q = q.Where("transfer_code = ?", transferCode)
	default:
		return nil, ErrTransferNotFound
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(database.Translate(err), database.ErrNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("get transfer %s: %w", reference, err)
	}
	return &t, nil
}

// UpdateTransferStatus moves the transfer from `from` to `to`. It returns
// false when another writer already moved it.
func (d *DB) UpdateTransferStatus(ctx context.Context, t *models.Transfer, from, to models.TransferStatus, reason string) (bool, error) {
	updated := false
	now := time.Now().UTC()
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.Transfer)(nil)).
			Set("status = ?", to).
			Set("updated_at = ?", now).
			Where("reference = ?", t.Reference).
			Where("status = ?", from)
		if reason != "" {
			q = q.Set("failure_reason = ?", reason)
		}
		if t.TransferCode != "" {
			q = q.Set("transfer_code = ?", t.TransferCode)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("update transfer %s: %w", t.Reference, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if t.BeneficiaryType == models.BeneficiaryOrganizer {
			if _, err := tx.NewUpdate().
				Model((*models.Payout)(nil)).
				Set("status = ?", payoutStatusFor(to)).
				Set("updated_at = ?", now).
				Where("transfer_reference = ?", t.Reference).
				Exec(ctx); err != nil {
				return fmt.Errorf("update payouts for %s: %w", t.Reference, err)
			}
		}
		updated = true
		return nil
	})
	return updated, err
}

// Recredit re-opens the rows of a failed or reversed transfer and adds its
// amount back to the beneficiary balance. It succeeds at most once per
// transfer.
func (d *DB) Recredit(ctx context.Context, reference string) (*models.Transfer, error) {
	var t models.Transfer
	now := time.Now().UTC()
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().Model(&t).Where("reference = ?", reference).Limit(1).Scan(ctx); err != nil {
			if errors.Is(database.Translate(err), database.ErrNotFound) {
				return ErrTransferNotFound
			}
			return fmt.Errorf("get transfer %s: %w", reference, err)
		}
		if t.Recredited {
			return ErrAlreadyRecredited
		}
		if t.Status != models.TransferFailed && t.Status != models.TransferReversed {
			return fmt.Errorf("%w: %s is %s", ErrNotRecreditable, reference, t.Status)
		}

		res, err := tx.NewUpdate().
			Model((*models.Transfer)(nil)).
			Set("recredited = ?", true).
			Set("updated_at = ?", now).
			Where("reference = ?", reference).
			Where("recredited = ?", false).
			Where("status IN (?)", bun.In([]models.TransferStatus{models.TransferFailed, models.TransferReversed})).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("flag transfer %s recredited: %w", reference, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrAlreadyRecredited
		}

		if err := restoreEarnings(ctx, tx, &t, now); err != nil {
			return err
		}
		t.Recredited = true
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// restoreEarnings re-opens the rows carrying t's reference and credits the
// amount back to the beneficiary.
func restoreEarnings(ctx context.Context, tx bun.Tx, t *models.Transfer, now time.Time) error {
	var err error
	switch t.BeneficiaryType {
	case models.BeneficiaryOrganizer:
		_, err = tx.NewUpdate().
			Model((*models.Payout)(nil)).
			Set("transfer_reference = NULL").
			Set("status = ?", models.PayoutPending).
			Set("updated_at = ?", now).
			Where("transfer_reference = ?", t.Reference).
			Exec(ctx)
	case models.BeneficiaryReseller:
		_, err = tx.NewUpdate().
			Model((*models.ResellerSale)(nil)).
			Set("paid = ?", false).
			Set("payout_reference = NULL").
			Where("payout_reference = ?", t.Reference).
			Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("re-open earnings for %s: %w", t.Reference, err)
	}

	bal, err := tx.NewUpdate().
		Model(balanceModel(t.BeneficiaryType)).
		Set("total_earned = total_earned + ?", t.Amount).
		Where("id = ?", t.BeneficiaryID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credit %s %s: %w", t.BeneficiaryType, t.BeneficiaryID, err)
	}
	if n, _ := bal.RowsAffected(); n != 1 {
		return fmt.Errorf("credit %s %s: %w", t.BeneficiaryType, t.BeneficiaryID, database.ErrNotFound)
	}
	return nil
}

func balanceModel(t models.BeneficiaryType) interface{} {
	if t == models.BeneficiaryReseller {
		return (*models.Reseller)(nil)
	}
	return (*models.Organizer)(nil)
}

func payoutStatusFor(s models.TransferStatus) models.PayoutStatus {
	switch s {
	case models.TransferCompleted:
		return models.PayoutCompleted
	case models.TransferFailed:
		return models.PayoutFailed
	case models.TransferReversed:
		return models.PayoutReversed
	default:
		return models.PayoutPending
	}
}
