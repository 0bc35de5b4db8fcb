package pricing

import (
	"context"
	"fmt"

	"ms-settlement/internal/models"
)

// Catalog is the trusted read side used for pricing. Lookups return a nil
// record and a nil error when nothing matches.
type Catalog interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetTier(ctx context.Context, tierID string) (*models.TicketTier, error)
	CountValidTickets(ctx context.Context, tierID string) (int, error)
	GetResellerLink(ctx context.Context, eventID, code string) (*models.ResellerLink, *models.Reseller, error)
	GetCandidate(ctx context.Context, candidateID string) (*models.Candidate, error)
}

type TicketQuoteRequest struct {
	EventID      string
	TierID       string
	ResellerCode string
}

type TicketQuote struct {
	Event    models.Event
	Tier     models.TicketTier
	Link     *models.ResellerLink
	Reseller *models.Reseller
	Settlement
}

type VoteQuoteRequest struct {
	EventID     string
	CandidateID string
	VoteCount   int
}

type VoteQuote struct {
	Event     models.Event
	Candidate models.Candidate
	VoteCount int
	Settlement
}

type Calculator struct {
	Catalog Catalog
}

func NewCalculator(catalog Catalog) *Calculator {
	return &Calculator{Catalog: catalog}
}

// QuoteTicket resolves the tier, event and optional reseller link from the
// catalog and prices the purchase. Business failures wrap ErrTierNotFound,
// ErrSoldOut or ErrResellerInvalid.
func (c *Calculator) QuoteTicket(ctx context.Context, req TicketQuoteRequest) (*TicketQuote, error) {
	tier, err := c.Catalog.GetTier(ctx, req.TierID)
	if err != nil {
		return nil, fmt.Errorf("load tier %s: %w", req.TierID, err)
	}
	if tier == nil {
		return nil, fmt.Errorf("%w: %s", ErrTierNotFound, req.TierID)
	}
	if req.EventID != "" && tier.EventID != req.EventID {
		return nil, fmt.Errorf("%w: tier %s does not belong to event %s", ErrTierNotFound, tier.ID, req.EventID)
	}

	event, err := c.Catalog.GetEvent(ctx, tier.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", tier.EventID, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: event %s of tier %s is missing", ErrTierNotFound, tier.EventID, tier.ID)
	}

	sold, err := c.Catalog.CountValidTickets(ctx, tier.ID)
	if err != nil {
		return nil, fmt.Errorf("count tickets for tier %s: %w", tier.ID, err)
	}
	if sold >= tier.MaxQuantity {
		return nil, fmt.Errorf("%w: tier %s has %d/%d", ErrSoldOut, tier.ID, sold, tier.MaxQuantity)
	}

	quote := &TicketQuote{Event: *event, Tier: *tier}

	if req.ResellerCode != "" {
		if !event.AllowResellers {
			return nil, fmt.Errorf("%w: event %s does not allow resellers", ErrResellerInvalid, event.ID)
		}
		link, reseller, err := c.Catalog.GetResellerLink(ctx, event.ID, req.ResellerCode)
		if err != nil {
			return nil, fmt.Errorf("load reseller link %s: %w", req.ResellerCode, err)
		}
		if link == nil || !link.Active || reseller == nil || !reseller.Active {
			return nil, fmt.Errorf("%w: %q for event %s", ErrResellerInvalid, req.ResellerCode, event.ID)
		}
		quote.Link = link
		quote.Reseller = reseller
	}

	quote.Settlement, err = ComputeSettlement(*tier, quote.Link)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// QuoteVote prices votePrice * count. Votes carry no reseller leg.
func (c *Calculator) QuoteVote(ctx context.Context, req VoteQuoteRequest) (*VoteQuote, error) {
	if req.VoteCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVoteCount, req.VoteCount)
	}

	candidate, err := c.Catalog.GetCandidate(ctx, req.CandidateID)
	if err != nil {
		return nil, fmt.Errorf("load candidate %s: %w", req.CandidateID, err)
	}
	if candidate == nil {
		return nil, fmt.Errorf("%w: %s", ErrCandidateNotFound, req.CandidateID)
	}
	if req.EventID != "" && candidate.EventID != req.EventID {
		return nil, fmt.Errorf("%w: candidate %s does not belong to event %s", ErrCandidateNotFound, candidate.ID, req.EventID)
	}

	event, err := c.Catalog.GetEvent(ctx, candidate.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", candidate.EventID, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: event %s of candidate %s is missing", ErrCandidateNotFound, candidate.EventID, candidate.ID)
	}

	settlement, err := Split(event.VotePrice*int64(req.VoteCount), 0, false)
	if err != nil {
		return nil, err
	}
	return &VoteQuote{
		Event:      *event,
		Candidate:  *candidate,
		VoteCount:  req.VoteCount,
		Settlement: settlement,
	}, nil
}
