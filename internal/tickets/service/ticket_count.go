package tickets

import (
	"context"
	"errors"

	"ms-settlement/internal/database"
)

var ErrTierNotFound = errors.New("tier not found")

type TierAvailability struct {
	TierID      string `json:"tier_id"`
	EventID     string `json:"event_id"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	MaxQuantity int    `json:"max_quantity"`
	Sold        int    `json:"sold"`
	Remaining   int    `json:"remaining"`
	Scanned     int    `json:"scanned"`
	SoldOut     bool   `json:"sold_out"`
}

// TierAvailability reports how many tickets of a tier are left.
func (s *TicketService) TierAvailability(ctx context.Context, tierID string) (*TierAvailability, error) {
	counts, err := s.DB.GetTierCounts(ctx, tierID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTierNotFound
	}
	if err != nil {
		return nil, err
	}

	remaining := counts.Tier.MaxQuantity - counts.Sold
	if remaining < 0 {
		remaining = 0
	}
	return &TierAvailability{
		TierID:      counts.Tier.ID,
		EventID:     counts.Tier.EventID,
		Name:        counts.Tier.Name,
		Price:       counts.Tier.Price,
		MaxQuantity: counts.Tier.MaxQuantity,
		Sold:        counts.Sold,
		Remaining:   remaining,
		Scanned:     counts.Scanned,
		SoldOut:     remaining == 0,
	}, nil
}
