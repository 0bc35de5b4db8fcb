package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Candidate struct {
	bun.BaseModel `bun:"table:candidates"`

	ID        string `bun:"id,pk" json:"id"`
	EventID   string `bun:"event_id,notnull" json:"event_id"`
	Name      string `bun:"name,notnull" json:"name"`
	VoteCount int64  `bun:"vote_count,notnull" json:"vote_count"`
}

type Vote struct {
	bun.BaseModel `bun:"table:votes"`

	ID               string    `bun:"id,pk" json:"id"`
	CandidateID      string    `bun:"candidate_id,notnull" json:"candidate_id"`
	EventID          string    `bun:"event_id,notnull" json:"event_id"`
	PaymentReference string    `bun:"payment_reference,notnull,unique" json:"payment_reference"`
	Weight           int       `bun:"weight,notnull" json:"weight"`
	Amount           int64     `bun:"amount,notnull" json:"amount"`
	VoterEmail       string    `bun:"voter_email" json:"voter_email"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"created_at"`
}

type PaymentKind string

const (
	PaymentKindTicket PaymentKind = "TICKET"
	PaymentKindVote   PaymentKind = "VOTE"
)

// ProcessedPayment is the ledger of settled payment references.
type ProcessedPayment struct {
	bun.BaseModel `bun:"table:processed_payments"`

	Reference string      `bun:"reference,pk" json:"reference"`
	Kind      PaymentKind `bun:"kind,notnull" json:"kind"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
}
