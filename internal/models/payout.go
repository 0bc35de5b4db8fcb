package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PayoutType string

const (
	PayoutTypeTicket PayoutType = "Ticket"
	PayoutTypeVote   PayoutType = "Vote"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "Pending"
	PayoutCompleted PayoutStatus = "Completed"
	PayoutFailed    PayoutStatus = "Failed"
	PayoutReversed  PayoutStatus = "Reversed"
)

// Payout is the per-payment audit row for the organizer leg. It stays unpaid
// until a sweep stamps TransferReference.
type Payout struct {
	bun.BaseModel `bun:"table:payouts"`

	ID                string       `bun:"id,pk" json:"id"`
	BeneficiaryID     string       `bun:"beneficiary_id,notnull" json:"beneficiary_id"`
	AmountTotal       int64        `bun:"amount_total,notnull" json:"amount_total"`
	PlatformFee       int64        `bun:"platform_fee,notnull" json:"platform_fee"`
	BeneficiaryAmount int64        `bun:"beneficiary_amount,notnull" json:"beneficiary_amount"`
	Type              PayoutType   `bun:"type,notnull" json:"type"`
	PaymentReference  string       `bun:"payment_reference,notnull,unique" json:"payment_reference"`
	TransferReference string       `bun:"transfer_reference,nullzero" json:"transfer_reference,omitempty"`
	Status            PayoutStatus `bun:"status,notnull" json:"status"`
	CreatedAt         time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

type BeneficiaryType string

const (
	BeneficiaryOrganizer BeneficiaryType = "organizer"
	BeneficiaryReseller  BeneficiaryType = "reseller"
)

type TransferStatus string

const (
	TransferRequested TransferStatus = "Requested"
	TransferRejected  TransferStatus = "Rejected"
	TransferPending   TransferStatus = "Pending"
	TransferCompleted TransferStatus = "Completed"
	TransferFailed    TransferStatus = "Failed"
	TransferReversed  TransferStatus = "Reversed"
)

type Transfer struct {
	bun.BaseModel `bun:"table:transfers"`

	ID              string          `bun:"id,pk" json:"id"`
	Reference       string          `bun:"reference,notnull,unique" json:"reference"`
	TransferCode    string          `bun:"transfer_code,nullzero" json:"transfer_code,omitempty"`
	BeneficiaryType BeneficiaryType `bun:"beneficiary_type,notnull" json:"beneficiary_type"`
	BeneficiaryID   string          `bun:"beneficiary_id,notnull" json:"beneficiary_id"`
	RecipientCode   string          `bun:"recipient_code,notnull" json:"recipient_code"`
	Amount          int64           `bun:"amount,notnull" json:"amount"`
	Currency        string          `bun:"currency,notnull" json:"currency"`
	Status          TransferStatus  `bun:"status,notnull" json:"status"`
	Recredited      bool            `bun:"recredited,notnull" json:"recredited"`
	FailureReason   string          `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}
