package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ms-settlement/internal/models"
)

type Kind string

const (
	ChargeSuccess    Kind = "charge.success"
	TransferSuccess  Kind = "transfer.success"
	TransferFailed   Kind = "transfer.failed"
	TransferReversed Kind = "transfer.reversed"
	Other            Kind = "other"
)

// Classify maps the processor's event name onto the kinds this service acts on.
func Classify(payload models.WebhookPayload) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(payload.Event))) {
	case ChargeSuccess:
		return ChargeSuccess
	case TransferSuccess:
		return TransferSuccess
	case TransferFailed:
		return TransferFailed
	case TransferReversed:
		return TransferReversed
	default:
		return Other
	}
}

// Charge is the resolved intent of a successful charge: TicketPurchase,
// VotePurchase or Unhandled.
type Charge interface {
	chargeReference() string
}

type TicketPurchase struct {
	Reference    string
	Amount       int64
	Currency     string
	Email        string
	EventID      string
	TierID       string
	GuestName    string
	ResellerCode string
}

type VotePurchase struct {
	Reference   string
	Amount      int64
	Currency    string
	Email       string
	EventID     string
	CandidateID string
	VoteCount   int
}

// Unhandled is acknowledged but not settled.
type Unhandled struct {
	Reference string
	Reason    string
}

func (t TicketPurchase) chargeReference() string { return t.Reference }
func (v VotePurchase) chargeReference() string   { return v.Reference }
func (u Unhandled) chargeReference() string      { return u.Reference }

// ReferenceOf returns the payment reference of any Charge.
func ReferenceOf(c Charge) string { return c.chargeReference() }

const (
	TypeTicketPurchase = "TICKET_PURCHASE"
	TypeVote           = "VOTE"
)

// Metadata is the identifier-only contract attached to a charge. Amounts
// sent here are ignored.
type Metadata struct {
	Type         string
	EventID      string
	TierID       string
	GuestName    string
	ResellerCode string
	CandidateID  string
	VoteCount    int
}

// ParseMetadata accepts metadata as a JSON object or as a JSON string holding
// an object.
func ParseMetadata(raw json.RawMessage) (Metadata, error) {
	var md Metadata
	if len(raw) == 0 || string(raw) == "null" {
		return md, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		var encoded string
		if err2 := json.Unmarshal(raw, &encoded); err2 != nil {
			return md, fmt.Errorf("metadata is neither an object nor a string: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return md, nil
		}
		if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
			return md, fmt.Errorf("metadata string is not an object: %w", err)
		}
	}

	md.Type = strings.ToUpper(stringField(fields, "type"))
	md.EventID = stringField(fields, "event_id")
	md.TierID = stringField(fields, "tier_id")
	md.GuestName = stringField(fields, "guest_name")
	md.ResellerCode = stringField(fields, "reseller_code")
	md.CandidateID = stringField(fields, "candidate_id")

	count, err := intField(fields, "vote_count")
	if err != nil {
		return md, err
	}
	md.VoteCount = count
	return md, nil
}

// InferType returns typ when set. Otherwise a lone tier id means a ticket
// purchase and a lone candidate id a vote; anything else yields "".
func InferType(typ, tierID, candidateID string) string {
	if typ != "" {
		return typ
	}
	switch {
	case tierID != "" && candidateID == "":
		return TypeTicketPurchase
	case candidateID != "" && tierID == "":
		return TypeVote
	}
	return ""
}

// ClassifyCharge resolves a charge into exactly one settlement variant. An
// explicit type wins; otherwise the presence of a tier or candidate id decides.
func ClassifyCharge(data models.PaymentData) (Charge, error) {
	md, err := ParseMetadata(data.Metadata)
	if err != nil {
		return nil, err
	}

	switch InferType(md.Type, md.TierID, md.CandidateID) {
	case TypeTicketPurchase:
		if md.EventID == "" || md.TierID == "" {
			return Unhandled{Reference: data.Reference, Reason: "ticket purchase without event_id or tier_id"}, nil
		}
		return TicketPurchase{
			Reference:    data.Reference,
			Amount:       data.Amount,
			Currency:     strings.ToUpper(data.Currency),
			Email:        data.Customer.Email,
			EventID:      md.EventID,
			TierID:       md.TierID,
			GuestName:    md.GuestName,
			ResellerCode: md.ResellerCode,
		}, nil
	case TypeVote:
		if md.CandidateID == "" {
			return Unhandled{Reference: data.Reference, Reason: "vote without candidate_id"}, nil
		}
		count := md.VoteCount
		if count == 0 {
			count = 1
		}
		if count < 0 {
			return Unhandled{Reference: data.Reference, Reason: "negative vote_count"}, nil
		}
		return VotePurchase{
			Reference:   data.Reference,
			Amount:      data.Amount,
			Currency:    strings.ToUpper(data.Currency),
			Email:       data.Customer.Email,
			EventID:     md.EventID,
			CandidateID: md.CandidateID,
			VoteCount:   count,
		}, nil
	case "":
		return Unhandled{Reference: data.Reference, Reason: "no type and no unambiguous tier_id/candidate_id"}, nil
	default:
		return Unhandled{Reference: data.Reference, Reason: fmt.Sprintf("unknown metadata type %q", md.Type)}, nil
	}
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func intField(fields map[string]any, key string) (int, error) {
	switch v := fields[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be a whole number", key)
		}
		return int(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}
