package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID             string    `bun:"id,pk" json:"id"`
	OrganizerID    string    `bun:"organizer_id,notnull" json:"organizer_id"`
	Name           string    `bun:"name,notnull" json:"name"`
	Currency       string    `bun:"currency,notnull" json:"currency"`
	AllowResellers bool      `bun:"allow_resellers,notnull" json:"allow_resellers"`
	VotePrice      int64     `bun:"vote_price,notnull" json:"vote_price"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Organizer carries the organizer's accrued balance. TotalEarned is only ever
// changed with in-place arithmetic at the storage layer.
type Organizer struct {
	bun.BaseModel `bun:"table:organizers"`

	ID                  string    `bun:"id,pk" json:"id"`
	Name                string    `bun:"name,notnull" json:"name"`
	Email               string    `bun:"email" json:"email"`
	TotalEarned         int64     `bun:"total_earned,notnull" json:"total_earned"`
	PayoutThreshold     int64     `bun:"payout_threshold,notnull" json:"payout_threshold"`
	PayoutRecipientCode string    `bun:"payout_recipient_code,nullzero" json:"payout_recipient_code,omitempty"`
	LastPayoutAt        time.Time `bun:"last_payout_at,nullzero" json:"last_payout_at,omitempty"`
}
