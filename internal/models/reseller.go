package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Reseller struct {
	bun.BaseModel `bun:"table:resellers"`

	ID                  string    `bun:"id,pk" json:"id"`
	Name                string    `bun:"name,notnull" json:"name"`
	Email               string    `bun:"email" json:"email"`
	Active              bool      `bun:"active,notnull" json:"active"`
	TotalEarned         int64     `bun:"total_earned,notnull" json:"total_earned"`
	PayoutThreshold     int64     `bun:"payout_threshold,notnull" json:"payout_threshold"`
	PayoutRecipientCode string    `bun:"payout_recipient_code,nullzero" json:"payout_recipient_code,omitempty"`
	LastPayoutAt        time.Time `bun:"last_payout_at,nullzero" json:"last_payout_at,omitempty"`
}

// ResellerLink attributes sales for one event to a reseller. CommissionRate is
// the markup over base price in basis points; zero means the default markup.
type ResellerLink struct {
	bun.BaseModel `bun:"table:event_resellers"`

	ID             string `bun:"id,pk" json:"id"`
	ResellerID     string `bun:"reseller_id,notnull" json:"reseller_id"`
	EventID        string `bun:"event_id,notnull,unique:event_reseller_code" json:"event_id"`
	UniqueCode     string `bun:"unique_code,notnull,unique:event_reseller_code" json:"unique_code"`
	CommissionRate int64  `bun:"commission_rate,notnull" json:"commission_rate"`
	Active         bool   `bun:"active,notnull" json:"active"`
}

type ResellerSale struct {
	bun.BaseModel `bun:"table:reseller_sales"`

	ID               string    `bun:"id,pk" json:"id"`
	ResellerLinkID   string    `bun:"reseller_link_id,notnull" json:"reseller_link_id"`
	ResellerID       string    `bun:"reseller_id,notnull" json:"reseller_id"`
	TicketID         string    `bun:"ticket_id,notnull" json:"ticket_id"`
	PaymentReference string    `bun:"payment_reference,notnull,unique" json:"payment_reference"`
	SaleAmount       int64     `bun:"sale_amount,notnull" json:"sale_amount"`
	CommissionEarned int64     `bun:"commission_earned,notnull" json:"commission_earned"`
	Paid             bool      `bun:"paid,notnull" json:"paid"`
	PayoutReference  string    `bun:"payout_reference,nullzero" json:"payout_reference,omitempty"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"created_at"`
}
