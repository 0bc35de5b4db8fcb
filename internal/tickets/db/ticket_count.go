package db

import (
	"context"

	"ms-settlement/internal/database"
	"ms-settlement/internal/models"
)

// TierCounts are the live ticket counts for one tier.
type TierCounts struct {
	Tier    models.TicketTier
	Sold    int
	Scanned int
}

func (d *DB) GetTierCounts(ctx context.Context, tierID string) (*TierCounts, error) {
	var tier models.TicketTier
	if err := d.Bun.NewSelect().Model(&tier).Where("id = ?", tierID).Limit(1).Scan(ctx); err != nil {
		return nil, database.Translate(err)
	}

	sold, err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("tier_id = ?", tierID).
		Where("status = ?", models.TicketValid).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	scanned, err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("tier_id = ?", tierID).
		Where("status = ?", models.TicketValid).
		Where("is_scanned = ?", true).
		Count(ctx)
	if err != nil {
		return nil, err
	}

	return &TierCounts{Tier: tier, Sold: sold, Scanned: scanned}, nil
}
