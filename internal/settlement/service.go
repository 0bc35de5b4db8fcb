package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ms-settlement/internal/database"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/metrics"
	"ms-settlement/internal/models"
	"ms-settlement/internal/pricing"
	"ms-settlement/internal/settlement/idempotency"
	"ms-settlement/internal/utils"
	"ms-settlement/internal/webhook"
)

// Store is the storage the settlement writer needs. The bun implementation
// lives in internal/settlement/db.
type Store interface {
	pricing.Catalog
	GetOrganizer(ctx context.Context, organizerID string) (*models.Organizer, error)
	GetResellerLinkByID(ctx context.Context, linkID string) (*models.ResellerLink, error)
	PaymentSettled(ctx context.Context, reference string) (bool, error)
	GetTicketByReference(ctx context.Context, reference string) (*models.Ticket, error)
	GetVoteByReference(ctx context.Context, reference string) (*models.Vote, error)
	CreateTicket(ctx context.Context, ticket *models.Ticket, maxQuantity int) (idempotency.Outcome, error)
	CreateVote(ctx context.Context, vote *models.Vote) (idempotency.Outcome, error)
	AccrueCommission(ctx context.Context, sale *models.ResellerSale) (bool, error)
	RecordPayout(ctx context.Context, payout *models.Payout) (bool, error)
	AttachQRCode(ctx context.Context, ticketID string, png []byte, url string) error
}

type QRGenerator interface {
	GenerateTicketQR(ticket models.Ticket) ([]byte, error)
}

type Notifier interface {
	SendTicketConfirmation(ctx context.Context, ticket models.Ticket, event models.Event) error
	SendVoteConfirmation(ctx context.Context, vote models.Vote, candidate models.Candidate, event models.Event) error
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeRejected       Outcome = "rejected"
	OutcomeUnhandled      Outcome = "unhandled"
)

type Result struct {
	Outcome    Outcome            `json:"outcome"`
	Reference  string             `json:"reference"`
	Kind       Kind               `json:"kind,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Ticket     *models.Ticket     `json:"ticket,omitempty"`
	Vote       *models.Vote       `json:"vote,omitempty"`
	Settlement pricing.Settlement `json:"settlement"`
}

type Options struct {
	PublicBaseURL      string
	SettledTopic       string
	RejectedTopic      string
	SideEffectTimeout  time.Duration
	BookkeepingTimeout time.Duration
	// Async runs QR, email and event publishing after Settle returns.
	Async bool
}

type Service struct {
	store     Store
	pricing   *pricing.Calculator
	qr        QRGenerator
	notifier  Notifier
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	opts      Options

	inflight sync.WaitGroup
}

// NewService wires the writer. qr, notifier and publisher may be nil, which
// disables that side effect.
func NewService(store Store, qr QRGenerator, notifier Notifier, publisher Publisher, m *metrics.Metrics, log *logger.Logger, opts Options) *Service {
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 30 * time.Second
	}
	if opts.BookkeepingTimeout <= 0 {
		opts.BookkeepingTimeout = 5 * time.Second
	}
	return &Service{
		store:     store,
		pricing:   pricing.NewCalculator(store),
		qr:        qr,
		notifier:  notifier,
		publisher: publisher,
		metrics:   m,
		log:       log,
		opts:      opts,
	}
}

// Wait blocks until background side effects have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Settle applies a successful charge exactly once. A nil error means the
// processor can be acknowledged, including for rejections and duplicates.
// A non-nil error is retryable.
func (s *Service) Settle(ctx context.Context, charge webhook.Charge) (*Result, error) {
	switch c := charge.(type) {
	case webhook.TicketPurchase:
		return s.settleTicket(ctx, c)
	case webhook.VotePurchase:
		return s.settleVote(ctx, c)
	case webhook.Unhandled:
		s.log.Warn("SETTLEMENT", fmt.Sprintf("Unhandled charge %s: %s", c.Reference, c.Reason))
		s.metrics.Settlement("unknown", string(OutcomeUnhandled))
		return &Result{Outcome: OutcomeUnhandled, Reference: c.Reference, Reason: c.Reason}, nil
	default:
		return nil, fmt.Errorf("unsupported charge type %T", charge)
	}
}

func (s *Service) settleTicket(ctx context.Context, p webhook.TicketPurchase) (*Result, error) {
	if p.Reference == "" {
		return s.reject("ticket", p.Reference, &Error{Kind: KindMalformedPayload, Err: errors.New("missing payment reference")}), nil
	}

	settled, err := s.store.PaymentSettled(ctx, p.Reference)
	if err != nil {
		return nil, s.transient("ticket", p.Reference, err)
	}
	if settled {
		return s.alreadySettled(ctx, "ticket", p.Reference)
	}

	quote, err := s.pricing.QuoteTicket(ctx, pricing.TicketQuoteRequest{
		EventID:      p.EventID,
		TierID:       p.TierID,
		ResellerCode: p.ResellerCode,
	})
	if err != nil {
		return s.classify("ticket", p.Reference, err)
	}
	if err := checkPaid(p.Amount, p.Currency, quote.ChargeAmount, quote.Event.Currency); err != nil {
		return s.reject("ticket", p.Reference, err), nil
	}

	now := time.Now().UTC()
	ticket := &models.Ticket{
		EventID:            quote.Event.ID,
		TierID:             quote.Tier.ID,
		TierName:           quote.Tier.Name,
		ReferencePaymentID: p.Reference,
		GuestName:          p.GuestName,
		GuestEmail:         p.Email,
		Amount:             quote.ChargeAmount,
		Currency:           quote.Event.Currency,
		Status:             models.TicketValid,
		OrganizerShare:     quote.OrganizerShare,
		ResellerShare:      quote.ResellerShare,
		PlatformFee:        quote.PlatformFee,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if quote.Link != nil {
		ticket.ResellerLinkID = quote.Link.ID
	}

	const attempts = 3
	var outcome idempotency.Outcome
	for i := 0; i < attempts; i++ {
		ticket.ID = utils.GenerateID()
		ticket.TicketNumber = utils.GenerateTicketNumber()
		outcome, err = s.store.CreateTicket(ctx, ticket, quote.Tier.MaxQuantity)
		if errors.Is(err, database.ErrConflict) {
			s.log.Warn("SETTLEMENT", fmt.Sprintf("Ticket number %s collided for %s, regenerating", ticket.TicketNumber, p.Reference))
			continue
		}
		break
	}
	if err != nil {
		return s.classify("ticket", p.Reference, err)
	}
	if outcome == idempotency.AlreadySettled {
		return s.alreadySettled(ctx, "ticket", p.Reference)
	}

	s.log.LogSettlement("TICKET", p.Reference, fmt.Sprintf("✅ Issued %s for tier %s (%s)", ticket.TicketNumber, ticket.TierName, utils.FormatMinor(ticket.Amount, ticket.Currency)))
	s.metrics.Settlement("ticket", string(OutcomeSettled))

	if s.qr != nil {
		ticket.QRURL = s.qrURL(ticket.TicketNumber)
	}
	s.ticketBookkeeping(ctx, *ticket, quote.Event.OrganizerID, quote.Link)
	s.runSideEffects(ctx, p.Reference, s.ticketEffects(*ticket, quote.Event))

	return &Result{
		Outcome:    OutcomeSettled,
		Reference:  p.Reference,
		Ticket:     ticket,
		Settlement: quote.Settlement,
	}, nil
}

func (s *Service) settleVote(ctx context.Context, p webhook.VotePurchase) (*Result, error) {
	if p.Reference == "" {
		return s.reject("vote", p.Reference, &Error{Kind: KindMalformedPayload, Err: errors.New("missing payment reference")}), nil
	}

	settled, err := s.store.PaymentSettled(ctx, p.Reference)
	if err != nil {
		return nil, s.transient("vote", p.Reference, err)
	}
	if settled {
		return s.alreadySettled(ctx, "vote", p.Reference)
	}

	quote, err := s.pricing.QuoteVote(ctx, pricing.VoteQuoteRequest{
		EventID:     p.EventID,
		CandidateID: p.CandidateID,
		VoteCount:   p.VoteCount,
	})
	if err != nil {
		return s.classify("vote", p.Reference, err)
	}
	if err := checkPaid(p.Amount, p.Currency, quote.ChargeAmount, quote.Event.Currency); err != nil {
		return s.reject("vote", p.Reference, err), nil
	}

	vote := &models.Vote{
		ID:               utils.GenerateID(),
		CandidateID:      quote.Candidate.ID,
		EventID:          quote.Event.ID,
		PaymentReference: p.Reference,
		Weight:           quote.VoteCount,
		Amount:           quote.ChargeAmount,
		VoterEmail:       p.Email,
		CreatedAt:        time.Now().UTC(),
	}

	outcome, err := s.store.CreateVote(ctx, vote)
	if err != nil {
		return s.classify("vote", p.Reference, err)
	}
	if outcome == idempotency.AlreadySettled {
		return s.alreadySettled(ctx, "vote", p.Reference)
	}

	s.log.LogSettlement("VOTE", p.Reference, fmt.Sprintf("✅ Counted %d vote(s) for candidate %s", vote.Weight, vote.CandidateID))
	s.metrics.Settlement("vote", string(OutcomeSettled))

	s.bookkeep(ctx, p.Reference, "payout", func(ctx context.Context) error {
		_, err := s.store.RecordPayout(ctx, votePayout(*vote, quote.Event.OrganizerID, quote.Settlement))
		return err
	})
	s.runSideEffects(ctx, p.Reference, s.voteEffects(*vote, quote.Candidate, quote.Event))

	return &Result{
		Outcome:    OutcomeSettled,
		Reference:  p.Reference,
		Vote:       vote,
		Settlement: quote.Settlement,
	}, nil
}

// ReconcileReport says which bookkeeping rows a reconcile run had to create.
type ReconcileReport struct {
	Reference          string `json:"reference"`
	CommissionRecorded bool   `json:"commission_recorded"`
	PayoutRecorded     bool   `json:"payout_recorded"`
}

// Reconcile re-applies the idempotent bookkeeping for an already settled
// payment. Operators use it after a logged side-effect failure.
func (s *Service) Reconcile(ctx context.Context, reference string) (*ReconcileReport, error) {
	report := &ReconcileReport{Reference: reference}

	ticket, err := s.store.GetTicketByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if ticket != nil {
		event, err := s.store.GetEvent(ctx, ticket.EventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, fmt.Errorf("event %s of ticket %s: %w", ticket.EventID, ticket.TicketNumber, database.ErrNotFound)
		}
		if ticket.ResellerLinkID != "" && ticket.ResellerShare > 0 {
			link, err := s.store.GetResellerLinkByID(ctx, ticket.ResellerLinkID)
			if err != nil {
				return nil, err
			}
			if link == nil {
				return nil, fmt.Errorf("reseller link %s: %w", ticket.ResellerLinkID, database.ErrNotFound)
			}
			if report.CommissionRecorded, err = s.store.AccrueCommission(ctx, resellerSale(*ticket, *link)); err != nil {
				return nil, err
			}
		}
		if report.PayoutRecorded, err = s.store.RecordPayout(ctx, ticketPayout(*ticket, event.OrganizerID)); err != nil {
			return nil, err
		}
		s.log.LogSettlement("RECONCILE", reference, fmt.Sprintf("commission=%t payout=%t", report.CommissionRecorded, report.PayoutRecorded))
		return report, nil
	}

	vote, err := s.store.GetVoteByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if vote == nil {
		return nil, fmt.Errorf("payment %s: %w", reference, database.ErrNotFound)
	}
	event, err := s.store.GetEvent(ctx, vote.EventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("event %s of vote %s: %w", vote.EventID, reference, database.ErrNotFound)
	}
	split, err := pricing.Split(vote.Amount, 0, false)
	if err != nil {
		return nil, err
	}
	if report.PayoutRecorded, err = s.store.RecordPayout(ctx, votePayout(*vote, event.OrganizerID, split)); err != nil {
		return nil, err
	}
	s.log.LogSettlement("RECONCILE", reference, fmt.Sprintf("payout=%t", report.PayoutRecorded))
	return report, nil
}

func (s *Service) ticketBookkeeping(ctx context.Context, ticket models.Ticket, organizerID string, link *models.ResellerLink) {
	if link != nil && ticket.ResellerShare > 0 {
		s.bookkeep(ctx, ticket.ReferencePaymentID, "commission", func(ctx context.Context) error {
			_, err := s.store.AccrueCommission(ctx, resellerSale(ticket, *link))
			return err
		})
	}
	s.bookkeep(ctx, ticket.ReferencePaymentID, "payout", func(ctx context.Context) error {
		_, err := s.store.RecordPayout(ctx, ticketPayout(ticket, organizerID))
		return err
	})
}

// bookkeep runs one money side effect inline, bounded by BookkeepingTimeout
// and detached from the caller's cancellation. Failures are logged only.
func (s *Service) bookkeep(ctx context.Context, reference, effect string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BookkeepingTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.sideEffectFailed(reference, effect, err)
	}
}

func (s *Service) alreadySettled(ctx context.Context, payment, reference string) (*Result, error) {
	s.log.LogSettlement("DUPLICATE", reference, "already settled, acknowledging")
	s.metrics.Settlement(payment, string(OutcomeAlreadySettled))

	result := &Result{Outcome: OutcomeAlreadySettled, Reference: reference, Kind: KindAlreadySettled}
	if payment == "ticket" {
		if ticket, err := s.store.GetTicketByReference(ctx, reference); err == nil {
			result.Ticket = ticket
		}
	} else if vote, err := s.store.GetVoteByReference(ctx, reference); err == nil {
		result.Vote = vote
	}
	return result, nil
}

// classify turns an error from steps 2-5 into either an acknowledged
// rejection or a retryable error.
func (s *Service) classify(payment, reference string, err error) (*Result, error) {
	if KindOf(err).BusinessRejection() {
		return s.reject(payment, reference, err), nil
	}
	return nil, s.transient(payment, reference, err)
}

func (s *Service) reject(payment, reference string, err error) *Result {
	se := wrap(reference, err)
	s.log.Error("SETTLEMENT", fmt.Sprintf("❌ Rejected %s payment %s (%s): %v. Buyer paid; needs operator follow-up", payment, reference, se.Kind, err))
	s.metrics.Settlement(payment, string(OutcomeRejected))
	s.publishRejected(reference, payment, se)
	return &Result{Outcome: OutcomeRejected, Reference: reference, Kind: se.Kind, Reason: err.Error()}
}

func (s *Service) transient(payment, reference string, err error) error {
	s.log.Error("SETTLEMENT", fmt.Sprintf("Transient failure settling %s payment %s: %v", payment, reference, err))
	s.metrics.Settlement(payment, "error")
	return &Error{Kind: KindTransientStorageFailure, Reference: reference, Err: err}
}

func (s *Service) sideEffectFailed(reference, effect string, err error) {
	s.log.Error("SETTLEMENT", fmt.Sprintf("%s side effect %q failed for %s: %v (reconcile via POST /api/admin/settlements/%s/reconcile)",
		KindDownstreamSideEffectFailure, effect, reference, err, reference))
	s.metrics.SideEffectFailed(effect)
}

// checkPaid rejects a charge whose processor-reported amount or currency
// differs from the server-computed price.
func checkPaid(paid int64, paidCurrency string, charge int64, currency string) error {
	if paid != charge {
		return fmt.Errorf("%w: paid %d, expected %d", ErrAmountMismatch, paid, charge)
	}
	if paidCurrency != "" && currency != "" && !strings.EqualFold(paidCurrency, currency) {
		return fmt.Errorf("%w: paid in %s, priced in %s", ErrAmountMismatch, paidCurrency, currency)
	}
	return nil
}

func resellerSale(ticket models.Ticket, link models.ResellerLink) *models.ResellerSale {
	return &models.ResellerSale{
		ID:               utils.GenerateID(),
		ResellerLinkID:   link.ID,
		ResellerID:       link.ResellerID,
		TicketID:         ticket.ID,
		PaymentReference: ticket.ReferencePaymentID,
		SaleAmount:       ticket.Amount,
		CommissionEarned: ticket.ResellerShare,
		CreatedAt:        time.Now().UTC(),
	}
}

func ticketPayout(ticket models.Ticket, organizerID string) *models.Payout {
	now := time.Now().UTC()
	return &models.Payout{
		ID:                utils.GenerateID(),
		BeneficiaryID:     organizerID,
		AmountTotal:       ticket.Amount,
		PlatformFee:       ticket.PlatformFee,
		BeneficiaryAmount: ticket.OrganizerShare,
		Type:              models.PayoutTypeTicket,
		PaymentReference:  ticket.ReferencePaymentID,
		Status:            models.PayoutPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func votePayout(vote models.Vote, organizerID string, split pricing.Settlement) *models.Payout {
	now := time.Now().UTC()
	return &models.Payout{
		ID:                utils.GenerateID(),
		BeneficiaryID:     organizerID,
		AmountTotal:       split.ChargeAmount,
		PlatformFee:       split.PlatformFee,
		BeneficiaryAmount: split.OrganizerShare,
		Type:              models.PayoutTypeVote,
		PaymentReference:  vote.PaymentReference,
		Status:            models.PayoutPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
