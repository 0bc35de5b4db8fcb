package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"ms-settlement/internal/models"
	"ms-settlement/internal/pricing"
)

// SettledEvent is published after a payment is settled.
type SettledEvent struct {
	Reference      string    `json:"reference"`
	Payment        string    `json:"payment"`
	EventID        string    `json:"event_id"`
	TicketNumber   string    `json:"ticket_number,omitempty"`
	TierID         string    `json:"tier_id,omitempty"`
	CandidateID    string    `json:"candidate_id,omitempty"`
	VoteCount      int       `json:"vote_count,omitempty"`
	Amount         int64     `json:"amount"`
	OrganizerShare int64     `json:"organizer_share"`
	ResellerShare  int64     `json:"reseller_share"`
	PlatformFee    int64     `json:"platform_fee"`
	Currency       string    `json:"currency,omitempty"`
	SettledAt      time.Time `json:"settled_at"`
}

// RejectedEvent is published when a paid charge could not be settled.
type RejectedEvent struct {
	Reference  string    `json:"reference"`
	Payment    string    `json:"payment"`
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

type sideEffect struct {
	name string
	run  func(ctx context.Context) error
}

// runSideEffects runs effects concurrently under SideEffectTimeout, detached
// from the request. In async mode it returns immediately.
func (s *Service) runSideEffects(ctx context.Context, reference string, effects []sideEffect) {
	if len(effects) == 0 {
		return
	}
	run := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SideEffectTimeout)
		defer cancel()

		var g errgroup.Group
		for _, e := range effects {
			e := e
			g.Go(func() error {
				if err := e.run(ctx); err != nil {
					s.sideEffectFailed(reference, e.name, err)
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if !s.opts.Async {
		run()
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		run()
	}()
}

func (s *Service) ticketEffects(ticket models.Ticket, event models.Event) []sideEffect {
	var effects []sideEffect

	if s.qr != nil {
		ticket.QRURL = s.qrURL(ticket.TicketNumber)
		effects = append(effects, sideEffect{name: "qr", run: func(ctx context.Context) error {
			png, err := s.qr.GenerateTicketQR(ticket)
			if err != nil {
				return err
			}
			return s.store.AttachQRCode(ctx, ticket.ID, png, ticket.QRURL)
		}})
	}

	if s.notifier != nil && ticket.GuestEmail != "" {
		effects = append(effects, sideEffect{name: "email", run: func(ctx context.Context) error {
			return s.notifier.SendTicketConfirmation(ctx, ticket, event)
		}})
	}

	if s.publisher != nil && s.opts.SettledTopic != "" {
		msg := SettledEvent{
			Reference:      ticket.ReferencePaymentID,
			Payment:        "ticket",
			EventID:        ticket.EventID,
			TicketNumber:   ticket.TicketNumber,
			TierID:         ticket.TierID,
			Amount:         ticket.Amount,
			OrganizerShare: ticket.OrganizerShare,
			ResellerShare:  ticket.ResellerShare,
			PlatformFee:    ticket.PlatformFee,
			Currency:       ticket.Currency,
			SettledAt:      ticket.CreatedAt,
		}
		effects = append(effects, s.publishEffect(s.opts.SettledTopic, ticket.ReferencePaymentID, msg))
	}
	return effects
}

func (s *Service) voteEffects(vote models.Vote, candidate models.Candidate, event models.Event) []sideEffect {
	var effects []sideEffect

	if s.notifier != nil && vote.VoterEmail != "" {
		effects = append(effects, sideEffect{name: "email", run: func(ctx context.Context) error {
			return s.notifier.SendVoteConfirmation(ctx, vote, candidate, event)
		}})
	}

	if s.publisher != nil && s.opts.SettledTopic != "" {
		split, _ := pricing.Split(vote.Amount, 0, false)
		msg := SettledEvent{
			Reference:      vote.PaymentReference,
			Payment:        "vote",
			EventID:        vote.EventID,
			CandidateID:    vote.CandidateID,
			VoteCount:      vote.Weight,
			Amount:         vote.Amount,
			OrganizerShare: split.OrganizerShare,
			PlatformFee:    split.PlatformFee,
			Currency:       event.Currency,
			SettledAt:      vote.CreatedAt,
		}
		effects = append(effects, s.publishEffect(s.opts.SettledTopic, vote.PaymentReference, msg))
	}
	return effects
}

func (s *Service) publishRejected(reference, payment string, se *Error) {
	if s.publisher == nil || s.opts.RejectedTopic == "" || reference == "" {
		return
	}
	msg := RejectedEvent{
		Reference:  reference,
		Payment:    payment,
		Kind:       se.Kind,
		Reason:     errors.Unwrap(se).Error(),
		RejectedAt: time.Now().UTC(),
	}
	s.runSideEffects(context.Background(), reference, []sideEffect{s.publishEffect(s.opts.RejectedTopic, reference, msg)})
}

func (s *Service) publishEffect(topic, key string, msg interface{}) sideEffect {
	return sideEffect{name: "publish", run: func(ctx context.Context) error {
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return s.publisher.Publish(ctx, topic, key, value)
	}}
}

func (s *Service) qrURL(ticketNumber string) string {
	return s.opts.PublicBaseURL + "/api/tickets/" + ticketNumber + "/qr"
}
