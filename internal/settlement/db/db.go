package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
	"ms-settlement/internal/pricing"
	"ms-settlement/internal/settlement/idempotency"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().Model(&event).Where("id = ?", eventID).Limit(1).Scan(ctx)
	return nilIfMissing(&event, err)
}

func (d *DB) GetTier(ctx context.Context, tierID string) (*models.TicketTier, error) {
	var tier models.TicketTier
	err := d.Bun.NewSelect().Model(&tier).Where("id = ?", tierID).Limit(1).Scan(ctx)
	return nilIfMissing(&tier, err)
}

func (d *DB) GetCandidate(ctx context.Context, candidateID string) (*models.Candidate, error) {
	var candidate models.Candidate
	err := d.Bun.NewSelect().Model(&candidate).Where("id = ?", candidateID).Limit(1).Scan(ctx)
	return nilIfMissing(&candidate, err)
}

func (d *DB) GetOrganizer(ctx context.Context, organizerID string) (*models.Organizer, error) {
	var organizer models.Organizer
	err := d.Bun.NewSelect().Model(&organizer).Where("id = ?", organizerID).Limit(1).Scan(ctx)
	return nilIfMissing(&organizer, err)
}

func (d *DB) CountValidTickets(ctx context.Context, tierID string) (int, error) {
	return countValidTickets(ctx, d.Bun, tierID)
}

func (d *DB) GetResellerLink(ctx context.Context, eventID, code string) (*models.ResellerLink, *models.Reseller, error) {
	var link models.ResellerLink
	err := d.Bun.NewSelect().
		Model(&link).
		Where("event_id = ?", eventID).
		Where("unique_code = ?", code).
		Limit(1).
		Scan(ctx)
	found, err := nilIfMissing(&link, err)
	if err != nil || found == nil {
		return nil, nil, err
	}

	var reseller models.Reseller
	err = d.Bun.NewSelect().Model(&reseller).Where("id = ?", link.ResellerID).Limit(1).Scan(ctx)
	r, err := nilIfMissing(&reseller, err)
	if err != nil {
		return nil, nil, err
	}
	return found, r, nil
}

func (d *DB) GetResellerLinkByID(ctx context.Context, linkID string) (*models.ResellerLink, error) {
	var link models.ResellerLink
	err := d.Bun.NewSelect().Model(&link).Where("id = ?", linkID).Limit(1).Scan(ctx)
	return nilIfMissing(&link, err)
}

// PaymentSettled reports whether a claim exists for the reference.
func (d *DB) PaymentSettled(ctx context.Context, reference string) (bool, error) {
	return idempotency.Seen(ctx, d.Bun, reference)
}

func (d *DB) GetTicketByReference(ctx context.Context, reference string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().Model(&ticket).Where("reference_payment_id = ?", reference).Limit(1).Scan(ctx)
	return nilIfMissing(&ticket, err)
}

func (d *DB) GetVoteByReference(ctx context.Context, reference string) (*models.Vote, error) {
	var vote models.Vote
	err := d.Bun.NewSelect().Model(&vote).Where("payment_reference = ?", reference).Limit(1).Scan(ctx)
	return nilIfMissing(&vote, err)
}

// CreateTicket claims the ticket's payment reference and inserts the ticket
// in one transaction. The tier row is touched first so concurrent settlements
// of one tier serialize on its row lock before the sold-out recount.
// Returns pricing.ErrSoldOut when the tier filled up meanwhile and
// database.ErrConflict when the ticket number collides.
func (d *DB) CreateTicket(ctx context.Context, ticket *models.Ticket, maxQuantity int) (idempotency.Outcome, error) {
	outcome := idempotency.ClaimGranted
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*models.TicketTier)(nil)).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", ticket.TierID).
			Exec(ctx); err != nil {
			return fmt.Errorf("lock tier %s: %w", ticket.TierID, err)
		}

		claimed, err := idempotency.Claim(ctx, tx, ticket.ReferencePaymentID, models.PaymentKindTicket)
		if err != nil {
			return err
		}
		if claimed == idempotency.AlreadySettled {
			outcome = idempotency.AlreadySettled
			return nil
		}

		sold, err := countValidTickets(ctx, tx, ticket.TierID)
		if err != nil {
			return err
		}
		if sold >= maxQuantity {
			return fmt.Errorf("%w: tier %s has %d/%d", pricing.ErrSoldOut, ticket.TierID, sold, maxQuantity)
		}

		if _, err := tx.NewInsert().Model(ticket).Exec(ctx); err != nil {
			return fmt.Errorf("insert ticket %s: %w", ticket.TicketNumber, database.Translate(err))
		}
		return nil
	})
	return outcome, err
}

// CreateVote claims the payment reference, records the vote and adds its
// weight to the candidate counter in one transaction.
func (d *DB) CreateVote(ctx context.Context, vote *models.Vote) (idempotency.Outcome, error) {
	outcome := idempotency.ClaimGranted
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		claimed, err := idempotency.Claim(ctx, tx, vote.PaymentReference, models.PaymentKindVote)
		if err != nil {
			return err
		}
		if claimed == idempotency.AlreadySettled {
			outcome = idempotency.AlreadySettled
			return nil
		}

		if _, err := tx.NewInsert().Model(vote).Exec(ctx); err != nil {
			return fmt.Errorf("insert vote %s: %w", vote.PaymentReference, database.Translate(err))
		}

		res, err := tx.NewUpdate().
			Model((*models.Candidate)(nil)).
			Set("vote_count = vote_count + ?", vote.Weight).
			Where("id = ?", vote.CandidateID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("increment candidate %s: %w", vote.CandidateID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("increment candidate %s: %w", vote.CandidateID, database.ErrNotFound)
		}
		return nil
	})
	return outcome, err
}

// AccrueCommission records a reseller sale and credits the reseller balance.
// Returns false when the sale was already recorded.
func (d *DB) AccrueCommission(ctx context.Context, sale *models.ResellerSale) (bool, error) {
	inserted := false
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().
			Model(sale).
			On("CONFLICT (payment_reference) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert reseller sale %s: %w", sale.PaymentReference, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.NewUpdate().
			Model((*models.Reseller)(nil)).
			Set("total_earned = total_earned + ?", sale.CommissionEarned).
			Where("id = ?", sale.ResellerID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("credit reseller %s: %w", sale.ResellerID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("credit reseller %s: %w", sale.ResellerID, database.ErrNotFound)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// RecordPayout writes the organizer's audit row and credits the organizer
// balance. Returns false when the row already existed.
func (d *DB) RecordPayout(ctx context.Context, payout *models.Payout) (bool, error) {
	inserted := false
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().
			Model(payout).
			On("CONFLICT (payment_reference) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert payout %s: %w", payout.PaymentReference, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.NewUpdate().
			Model((*models.Organizer)(nil)).
			Set("total_earned = total_earned + ?", payout.BeneficiaryAmount).
			Where("id = ?", payout.BeneficiaryID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("credit organizer %s: %w", payout.BeneficiaryID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("credit organizer %s: %w", payout.BeneficiaryID, database.ErrNotFound)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (d *DB) AttachQRCode(ctx context.Context, ticketID string, png []byte, url string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("qr_code = ?", png).
		Set("qr_url = ?", url).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", ticketID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("attach qr to ticket %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("attach qr to ticket %s: %w", ticketID, database.ErrNotFound)
	}
	return nil
}

func countValidTickets(ctx context.Context, idb bun.IDB, tierID string) (int, error) {
	count, err := idb.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("tier_id = ?", tierID).
		Where("status = ?", models.TicketValid).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count valid tickets for tier %s: %w", tierID, err)
	}
	return count, nil
}

func nilIfMissing[T any](record *T, err error) (*T, error) {
	if err != nil {
		if errors.Is(database.Translate(err), database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
