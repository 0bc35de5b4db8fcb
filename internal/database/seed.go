package database

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/models"
)

// Catalog is a small self-consistent set of rows: one organizer running one
// event with a ticket tier, a reseller link and a vote candidate.
type Catalog struct {
	Organizer models.Organizer
	Event     models.Event
	Tier      models.TicketTier
	Reseller  models.Reseller
	Link      models.ResellerLink
	Candidate models.Candidate
}

// DemoCatalog returns the catalog used by local runs and tests. Prices are in
// minor units: a 50.00 tier, 1.00 per vote, 100.00 payout thresholds.
func DemoCatalog() Catalog {
	now := time.Now().UTC()
	return Catalog{
		Organizer: models.Organizer{
			ID:                  "org-1",
			Name:                "Accra Live",
			Email:               "payouts@accralive.test",
			PayoutThreshold:     10000,
			PayoutRecipientCode: "RCP_org1",
		},
		Event: models.Event{
			ID:             "evt-1",
			OrganizerID:    "org-1",
			Name:           "Highlife Night",
			Currency:       "GHS",
			AllowResellers: true,
			VotePrice:      100,
			CreatedAt:      now,
		},
		Tier: models.TicketTier{
			ID:          "tier-1",
			EventID:     "evt-1",
			Name:        "Regular",
			Price:       5000,
			MaxQuantity: 100,
			UpdatedAt:   now,
		},
		Reseller: models.Reseller{
			ID:                  "res-1",
			Name:                "Ama Tickets",
			Email:               "ama@tickets.test",
			Active:              true,
			PayoutThreshold:     5000,
			PayoutRecipientCode: "RCP_res1",
		},
		Link: models.ResellerLink{
			ID:         "link-1",
			ResellerID: "res-1",
			EventID:    "evt-1",
			UniqueCode: "AMA",
			Active:     true,
		},
		Candidate: models.Candidate{
			ID:      "cand-1",
			EventID: "evt-1",
			Name:    "Kofi",
		},
	}
}

// Rows returns the catalog as insertable models in dependency order.
func (c *Catalog) Rows() []interface{} {
	return []interface{}{&c.Organizer, &c.Event, &c.Tier, &c.Reseller, &c.Link, &c.Candidate}
}

// Seed inserts rows, skipping any whose primary key already exists.
func Seed(ctx context.Context, db bun.IDB, rows ...interface{}) error {
	for _, row := range rows {
		if _, err := db.NewInsert().Model(row).Ignore().Exec(ctx); err != nil {
			return fmt.Errorf("seed %T: %w", row, err)
		}
	}
	return nil
}
