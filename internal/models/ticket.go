package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketValid   TicketStatus = "Valid"
	TicketScanned TicketStatus = "Scanned"
	TicketVoid    TicketStatus = "Void"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID                 string       `bun:"id,pk" json:"id"`
	EventID            string       `bun:"event_id,notnull" json:"event_id"`
	TierID             string       `bun:"tier_id,notnull" json:"tier_id"`
	TierName           string       `bun:"tier_name" json:"tier_name"`
	TicketNumber       string       `bun:"ticket_number,notnull,unique" json:"ticket_number"`
	ReferencePaymentID string       `bun:"reference_payment_id,notnull,unique" json:"reference_payment_id"`
	GuestName          string       `bun:"guest_name" json:"guest_name"`
	GuestEmail         string       `bun:"guest_email" json:"guest_email"`
	Amount             int64        `bun:"amount,notnull" json:"amount"`
	Currency           string       `bun:"currency,notnull" json:"currency"`
	Status             TicketStatus `bun:"status,notnull" json:"status"`
	IsScanned          bool         `bun:"is_scanned,notnull" json:"is_scanned"`
	ScannedAt          time.Time    `bun:"scanned_at,nullzero" json:"scanned_at,omitempty"`
	QRURL              string       `bun:"qr_url,nullzero" json:"qr_url,omitempty"`
	QRCode             []byte       `bun:"qr_code" json:"-"`
	ResellerLinkID     string       `bun:"reseller_link_id,nullzero" json:"reseller_link_id,omitempty"`
	OrganizerShare     int64        `bun:"organizer_share,notnull" json:"organizer_share"`
	ResellerShare      int64        `bun:"reseller_share,notnull" json:"reseller_share"`
	PlatformFee        int64        `bun:"platform_fee,notnull" json:"platform_fee"`
	CreatedAt          time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

// TicketTier is catalog data owned by event management; settlement only reads it.
type TicketTier struct {
	bun.BaseModel `bun:"table:ticket_tiers"`

	ID          string    `bun:"id,pk" json:"id"`
	EventID     string    `bun:"event_id,notnull" json:"event_id"`
	Name        string    `bun:"name,notnull" json:"name"`
	Price       int64     `bun:"price,notnull" json:"price"`
	MaxQuantity int       `bun:"max_quantity,notnull" json:"max_quantity"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"updated_at"`
}
