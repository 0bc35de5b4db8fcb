package db

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) GetTicketByNumber(ctx context.Context, ticketNumber string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("ticket_number = ?", ticketNumber).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, database.Translate(err)
	}
	return &ticket, nil
}

// MarkScanned admits a ticket at the gate. It only matches a valid ticket
// that has not been scanned yet, so concurrent scans admit it once. The
// status stays Valid.
func (d *DB) MarkScanned(ctx context.Context, ticketNumber string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("is_scanned = ?", true).
		Set("scanned_at = ?", at).
		Set("updated_at = ?", at).
		Where("ticket_number = ?", ticketNumber).
		Where("status = ?", models.TicketValid).
		Where("is_scanned = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("scan ticket %s: %w", ticketNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) SaveQRCode(ctx context.Context, ticketID string, png []byte) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("qr_code = ?", png).
		Where("id = ?", ticketID).
		Exec(ctx)
	return err
}
