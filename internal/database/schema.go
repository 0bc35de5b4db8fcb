package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-settlement/internal/models"
)

// Models lists every table the service owns or reads, in creation order.
func Models() []interface{} {
	return []interface{}{
		(*models.Organizer)(nil),
		(*models.Event)(nil),
		(*models.TicketTier)(nil),
		(*models.Ticket)(nil),
		(*models.Candidate)(nil),
		(*models.Vote)(nil),
		(*models.ProcessedPayment)(nil),
		(*models.Reseller)(nil),
		(*models.ResellerLink)(nil),
		(*models.ResellerSale)(nil),
		(*models.Payout)(nil),
		(*models.Transfer)(nil),
	}
}

// CreateSchema creates all tables from the bun models. Production postgres
// schemas come from the SQL migrations instead.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range Models() {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}
