package models

import "encoding/json"

// WebhookPayload is the processor's notification envelope.
type WebhookPayload struct {
	Event string      `json:"event"`
	Data  PaymentData `json:"data"`
}

// PaymentData is shared by charge webhooks and the verify endpoint.
type PaymentData struct {
	Reference    string          `json:"reference"`
	Status       string          `json:"status,omitempty"`
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Customer     Customer        `json:"customer"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	TransferCode string          `json:"transfer_code,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type Customer struct {
	Email string `json:"email"`
}

// PaymentEvent is the verified, parsed notification handed to settlement.
type PaymentEvent struct {
	Reference        string
	Type             string
	AmountMinorUnits int64
	Currency         string
	CustomerEmail    string
	Metadata         json.RawMessage
	RawBody          []byte
	Signature        string
}
