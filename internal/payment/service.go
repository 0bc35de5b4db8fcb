package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payout"
	"ms-settlement/internal/pricing"
	"ms-settlement/internal/processor"
	"ms-settlement/internal/settlement"
	"ms-settlement/internal/utils"
	"ms-settlement/internal/webhook"
)

type Settler interface {
	Settle(ctx context.Context, charge webhook.Charge) (*settlement.Result, error)
}

type TransferApplier interface {
	ApplyTransferStatus(ctx context.Context, kind webhook.Kind, data models.PaymentData) (*payout.TransferUpdate, error)
}

type Processor interface {
	InitializeTransaction(ctx context.Context, req processor.InitializeRequest) (*processor.InitializeResponse, error)
	VerifyTransaction(ctx context.Context, reference string) (*models.PaymentData, error)
}

type Quoter interface {
	QuoteTicket(ctx context.Context, req pricing.TicketQuoteRequest) (*pricing.TicketQuote, error)
	QuoteVote(ctx context.Context, req pricing.VoteQuoteRequest) (*pricing.VoteQuote, error)
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "authentication", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// WebhookOutcome is what an acknowledged webhook did.
type WebhookOutcome struct {
	Kind       webhook.Kind           `json:"kind"`
	Reference  string                 `json:"reference,omitempty"`
	Settlement *settlement.Result     `json:"-"`
	Transfer   *payout.TransferUpdate `json:"transfer,omitempty"`
	Outcome    settlement.Outcome     `json:"outcome,omitempty"`
}

type Service struct {
	webhookSecret string
	callbackURL   string
	settler       Settler
	transfers     TransferApplier
	processor     Processor
	quoter        Quoter
	log           *logger.Logger
}

func NewService(webhookSecret, callbackURL string, settler Settler, transfers TransferApplier, p Processor, quoter Quoter, log *logger.Logger) *Service {
	return &Service{
		webhookSecret: webhookSecret,
		callbackURL:   callbackURL,
		settler:       settler,
		transfers:     transfers,
		processor:     p,
		quoter:        quoter,
		log:           log,
	}
}

// HandleWebhook verifies and applies one processor notification. Any
// *WebhookError carries the status to answer with; a nil error means 200.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*WebhookOutcome, error) {
	if !webhook.Verify(rawBody, signature, s.webhookSecret) {
		s.log.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("Rejected webhook with invalid signature (%d bytes)", len(rawBody)))
		return nil, &WebhookError{
			Category:      "authentication",
			StatusCode:    http.StatusUnauthorized,
			PublicError:   "Invalid signature",
			InternalError: "webhook signature verification failed",
		}
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		s.log.Error("WEBHOOK", fmt.Sprintf("Failed to parse webhook payload: %v", err))
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("parse webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	kind := webhook.Classify(payload)
	out := &WebhookOutcome{Kind: kind, Reference: payload.Data.Reference}
	s.log.Info("WEBHOOK", fmt.Sprintf("Processing %s event (%s) for %s", payload.Event, kind, payload.Data.Reference))

	switch kind {
	case webhook.ChargeSuccess:
		result, err := s.settle(ctx, payload.Data)
		if err != nil {
			return nil, processingError(err)
		}
		out.Settlement = result
		out.Outcome = result.Outcome
	case webhook.TransferSuccess, webhook.TransferFailed, webhook.TransferReversed:
		if s.transfers == nil {
			s.log.Warn("WEBHOOK", fmt.Sprintf("Transfer event %s ignored, payouts disabled", payload.Data.Reference))
			return out, nil
		}
		update, err := s.transfers.ApplyTransferStatus(ctx, kind, payload.Data)
		if err != nil {
			return nil, processingError(err)
		}
		out.Transfer = update
	default:
		s.log.Debug("WEBHOOK", fmt.Sprintf("Ignoring %q event", payload.Event))
	}
	return out, nil
}

func (s *Service) settle(ctx context.Context, data models.PaymentData) (*settlement.Result, error) {
	charge, err := webhook.ClassifyCharge(data)
	if err != nil {
		charge = webhook.Unhandled{Reference: data.Reference, Reason: fmt.Sprintf("unreadable metadata: %v", err)}
	}
	return s.settler.Settle(ctx, charge)
}

func processingError(err error) *WebhookError {
	return &WebhookError{
		Category:      "processing",
		StatusCode:    http.StatusInternalServerError,
		PublicError:   "Webhook processing error",
		InternalError: err.Error(),
		OriginalErr:   err,
	}
}

// InitializeRequest starts a checkout. Prices are never taken from the
// client.
type InitializeRequest struct {
	Type         string `json:"type"`
	Email        string `json:"email"`
	EventID      string `json:"event_id"`
	TierID       string `json:"tier_id,omitempty"`
	GuestName    string `json:"guest_name,omitempty"`
	ResellerCode string `json:"reseller_code,omitempty"`
	CandidateID  string `json:"candidate_id,omitempty"`
	VoteCount    int    `json:"vote_count,omitempty"`
}

type InitializeResult struct {
	Reference        string             `json:"reference"`
	AuthorizationURL string             `json:"authorization_url"`
	AccessCode       string             `json:"access_code,omitempty"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Breakdown        pricing.Settlement `json:"breakdown"`
}

// ErrInvalidRequest marks client mistakes in a checkout request.
var ErrInvalidRequest = errors.New("invalid checkout request")

func (s *Service) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if !strings.Contains(req.Email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidRequest)
	}
	if req.EventID == "" {
		return nil, fmt.Errorf("%w: event_id is required", ErrInvalidRequest)
	}

	var (
		amount    int64
		currency  string
		breakdown pricing.Settlement
		reference string
		metadata  map[string]string
	)
	switch webhook.InferType(strings.ToUpper(req.Type), req.TierID, req.CandidateID) {
	case "":
		return nil, fmt.Errorf("%w: type is required unless exactly one of tier_id and candidate_id is set", ErrInvalidRequest)
	case webhook.TypeTicketPurchase:
		if req.TierID == "" {
			return nil, fmt.Errorf("%w: tier_id is required", ErrInvalidRequest)
		}
		quote, err := s.quoter.QuoteTicket(ctx, pricing.TicketQuoteRequest{EventID: req.EventID, TierID: req.TierID, ResellerCode: req.ResellerCode})
		if err != nil {
			return nil, err
		}
		amount, currency, breakdown = quote.ChargeAmount, quote.Event.Currency, quote.Settlement
		reference = utils.GenerateReference("TKT")
		metadata = map[string]string{
			"type":     webhook.TypeTicketPurchase,
			"event_id": req.EventID,
			"tier_id":  req.TierID,
		}
		if req.GuestName != "" {
			metadata["guest_name"] = req.GuestName
		}
		if req.ResellerCode != "" {
			metadata["reseller_code"] = req.ResellerCode
		}
	case webhook.TypeVote:
		count := req.VoteCount
		if count == 0 {
			count = 1
		}
		quote, err := s.quoter.QuoteVote(ctx, pricing.VoteQuoteRequest{EventID: req.EventID, CandidateID: req.CandidateID, VoteCount: count})
		if err != nil {
			return nil, err
		}
		amount, currency, breakdown = quote.ChargeAmount, quote.Event.Currency, quote.Settlement
		reference = utils.GenerateReference("VOTE")
		metadata = map[string]string{
			"type":         webhook.TypeVote,
			"event_id":     req.EventID,
			"candidate_id": req.CandidateID,
			"vote_count":   strconv.Itoa(count),
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}

	md, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	resp, err := s.processor.InitializeTransaction(ctx, processor.InitializeRequest{
		Email:       req.Email,
		Amount:      amount,
		Reference:   reference,
		Currency:    currency,
		CallbackURL: s.callbackURL,
		Metadata:    md,
	})
	if err != nil {
		return nil, err
	}

	s.log.LogSettlement("INITIALIZED", resp.Reference, fmt.Sprintf("%s checkout for %s", utils.FormatMinor(amount, currency), req.Email))
	return &InitializeResult{
		Reference:        resp.Reference,
		AuthorizationURL: resp.AuthorizationURL,
		AccessCode:       resp.AccessCode,
		Amount:           amount,
		Currency:         currency,
		Breakdown:        breakdown,
	}, nil
}

// ErrPaymentIncomplete is returned by VerifyAndSettle for charges the
// processor has not marked successful.
var ErrPaymentIncomplete = errors.New("payment not successful yet")

// VerifyAndSettle asks the processor about a reference and, when the charge
// succeeded, settles it exactly as the webhook would.
func (s *Service) VerifyAndSettle(ctx context.Context, reference string) (*settlement.Result, error) {
	data, err := s.processor.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(data.Status, "success") {
		return nil, fmt.Errorf("%w: %s is %q", ErrPaymentIncomplete, reference, data.Status)
	}
	if data.Reference == "" {
		data.Reference = reference
	}
	return s.settle(ctx, *data)
}
