package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/database/dbtest"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/metrics"
	"ms-settlement/internal/models"
	"ms-settlement/internal/settlement"
	settlementdb "ms-settlement/internal/settlement/db"
	"ms-settlement/internal/webhook"
)

type fakeQR struct{}

func (fakeQR) GenerateTicketQR(t models.Ticket) ([]byte, error) {
	return []byte("png:" + t.TicketNumber), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	tickets []string
	votes   []string
	err     error
}

func (n *recordingNotifier) SendTicketConfirmation(_ context.Context, t models.Ticket, _ models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tickets = append(n.tickets, t.TicketNumber)
	return n.err
}

func (n *recordingNotifier) SendVoteConfirmation(_ context.Context, v models.Vote, _ models.Candidate, _ models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.votes = append(n.votes, v.PaymentReference)
	return n.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

type harness struct {
	db        *bun.DB
	catalog   database.Catalog
	svc       *settlement.Service
	metrics   *metrics.Metrics
	notifier  *recordingNotifier
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, c := dbtest.WithCatalog(t)
	return newHarnessWithStore(t, db, c, &settlementdb.DB{Bun: db})
}

func newHarnessWithStore(t *testing.T, db *bun.DB, c database.Catalog, store settlement.Store) *harness {
	t.Helper()
	h := &harness{
		db:        db,
		catalog:   c,
		metrics:   metrics.New(prometheus.NewRegistry()),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	h.svc = settlement.NewService(store, fakeQR{}, h.notifier, h.publisher, h.metrics, logger.NewWithWriter(io.Discard), settlement.Options{
		PublicBaseURL: "https://tickets.test",
		SettledTopic:  "payments.settled",
		RejectedTopic: "payments.rejected",
	})
	return h
}

func (h *harness) ticketPurchase(reference string, amount int64) webhook.TicketPurchase {
	return webhook.TicketPurchase{
		Reference: reference,
		Amount:    amount,
		Currency:  "GHS",
		Email:     "buyer@example.com",
		EventID:   h.catalog.Event.ID,
		TierID:    h.catalog.Tier.ID,
		GuestName: "Esi",
	}
}

func (h *harness) count(t *testing.T, model interface{}, where string, args ...interface{}) int {
	t.Helper()
	q := h.db.NewSelect().Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) organizerBalance(t *testing.T) int64 {
	t.Helper()
	var o models.Organizer
	require.NoError(t, h.db.NewSelect().Model(&o).Where("id = ?", h.catalog.Organizer.ID).Scan(context.Background()))
	return o.TotalEarned
}

func (h *harness) resellerBalance(t *testing.T) int64 {
	t.Helper()
	var r models.Reseller
	require.NoError(t, h.db.NewSelect().Model(&r).Where("id = ?", h.catalog.Reseller.ID).Scan(context.Background()))
	return r.TotalEarned
}

func TestSettle_TicketPurchaseEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Settle(ctx, h.ticketPurchase("PAY-001", 5000))
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSettled, res.Outcome)
	require.NotNil(t, res.Ticket)

	assert.Equal(t, int64(5000), res.Settlement.ChargeAmount)
	assert.Equal(t, int64(4750), res.Settlement.OrganizerShare)
	assert.Equal(t, int64(250), res.Settlement.PlatformFee)
	assert.Equal(t, int64(0), res.Settlement.ResellerShare)
	assert.Equal(t, models.TicketValid, res.Ticket.Status)
	assert.Equal(t, "https://tickets.test/api/tickets/"+res.Ticket.TicketNumber+"/qr", res.Ticket.QRURL)

	assert.Equal(t, 1, h.count(t, (*models.Ticket)(nil), "reference_payment_id = ?", "PAY-001"))
	assert.Equal(t, 1, h.count(t, (*models.ProcessedPayment)(nil), "reference = ?", "PAY-001"))
	assert.Equal(t, 1, h.count(t, (*models.Payout)(nil), "payment_reference = ?", "PAY-001"))
	assert.Equal(t, int64(4750), h.organizerBalance(t))

	var stored models.Ticket
	require.NoError(t, h.db.NewSelect().Model(&stored).Where("reference_payment_id = ?", "PAY-001").Scan(ctx))
	assert.Equal(t, []byte("png:"+stored.TicketNumber), stored.QRCode)
	assert.Equal(t, []string{stored.TicketNumber}, h.notifier.tickets)
	assert.Equal(t, []string{"payments.settled"}, h.publisher.topics)

	// Replaying the same webhook acknowledges without a second ticket.
	again, err := h.svc.Settle(ctx, h.ticketPurchase("PAY-001", 5000))
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeAlreadySettled, again.Outcome)
	require.NotNil(t, again.Ticket)
	assert.Equal(t, stored.TicketNumber, again.Ticket.TicketNumber)

	assert.Equal(t, 1, h.count(t, (*models.Ticket)(nil), "reference_payment_id = ?", "PAY-001"))
	assert.Equal(t, int64(4750), h.organizerBalance(t))
	assert.Len(t, h.notifier.tickets, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Settlements.WithLabelValues("ticket", "already_settled")))
}

func TestSettle_ConcurrentDeliveriesIssueOneTicket(t *testing.T) {
	h := newHarness(t)
	const deliveries = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[settlement.Outcome]int{}
		errs     []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-RACE", 5000))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			outcomes[res.Outcome]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, outcomes[settlement.OutcomeSettled])
	assert.Equal(t, deliveries-1, outcomes[settlement.OutcomeAlreadySettled])
	assert.Equal(t, 1, h.count(t, (*models.Ticket)(nil), ""))
	assert.Equal(t, int64(4750), h.organizerBalance(t))
}

func TestSettle_ResellerSaleCreditsBothBalances(t *testing.T) {
	h := newHarness(t)
	p := h.ticketPurchase("PAY-RES", 5500)
	p.ResellerCode = h.catalog.Link.UniqueCode

	res, err := h.svc.Settle(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSettled, res.Outcome)

	assert.Equal(t, int64(5500), res.Settlement.ChargeAmount)
	assert.Equal(t, int64(4750), res.Settlement.OrganizerShare)
	assert.Equal(t, int64(500), res.Settlement.ResellerShare)
	assert.Equal(t, int64(250), res.Settlement.PlatformFee)
	assert.Equal(t, h.catalog.Link.ID, res.Ticket.ResellerLinkID)

	assert.Equal(t, int64(4750), h.organizerBalance(t))
	assert.Equal(t, int64(500), h.resellerBalance(t))
	assert.Equal(t, 1, h.count(t, (*models.ResellerSale)(nil), "payment_reference = ?", "PAY-RES"))

	_, err = h.svc.Settle(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(500), h.resellerBalance(t))
}

func TestSettle_VoteReplayCountsOnce(t *testing.T) {
	h := newHarness(t)
	vote := webhook.VotePurchase{
		Reference:   "VOTE-1",
		Amount:      300,
		Currency:    "GHS",
		Email:       "fan@example.com",
		EventID:     h.catalog.Event.ID,
		CandidateID: h.catalog.Candidate.ID,
		VoteCount:   3,
	}

	res, err := h.svc.Settle(context.Background(), vote)
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSettled, res.Outcome)
	assert.Equal(t, int64(285), res.Settlement.OrganizerShare)
	assert.Equal(t, int64(15), res.Settlement.PlatformFee)

	res, err = h.svc.Settle(context.Background(), vote)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeAlreadySettled, res.Outcome)

	var c models.Candidate
	require.NoError(t, h.db.NewSelect().Model(&c).Where("id = ?", h.catalog.Candidate.ID).Scan(context.Background()))
	assert.Equal(t, int64(3), c.VoteCount)
	assert.Equal(t, 1, h.count(t, (*models.Vote)(nil), ""))
	assert.Equal(t, int64(285), h.organizerBalance(t))
	assert.Equal(t, []string{"VOTE-1"}, h.notifier.votes)
}

func TestSettle_SoldOutTierRejects(t *testing.T) {
	h := newHarness(t)
	_, err := h.db.NewUpdate().Model((*models.TicketTier)(nil)).
		Set("max_quantity = 1").
		Where("id = ?", h.catalog.Tier.ID).
		Exec(context.Background())
	require.NoError(t, err)

	first, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-A", 5000))
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSettled, first.Outcome)

	second, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-B", 5000))
	require.NoError(t, err, "a sold-out tier is acknowledged, not retried")
	assert.Equal(t, settlement.OutcomeRejected, second.Outcome)
	assert.Equal(t, settlement.KindSoldOut, second.Kind)

	assert.Equal(t, 1, h.count(t, (*models.Ticket)(nil), ""))
	assert.Equal(t, 0, h.count(t, (*models.ProcessedPayment)(nil), "reference = ?", "PAY-B"))
	assert.Contains(t, h.publisher.topics, "payments.rejected")
}

func TestSettle_ZeroCapacityTierIsSoldOut(t *testing.T) {
	h := newHarness(t)
	_, err := h.db.NewUpdate().Model((*models.TicketTier)(nil)).
		Set("max_quantity = 0").
		Where("id = ?", h.catalog.Tier.ID).
		Exec(context.Background())
	require.NoError(t, err)

	res, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-0", 5000))
	require.NoError(t, err)
	assert.Equal(t, settlement.KindSoldOut, res.Kind)
}

func TestSettle_BusinessRejections(t *testing.T) {
	tests := []struct {
		name   string
		charge func(h *harness) webhook.Charge
		kind   settlement.Kind
	}{
		{
			name: "unknown tier",
			charge: func(h *harness) webhook.Charge {
				p := h.ticketPurchase("PAY-T", 5000)
				p.TierID = "tier-missing"
				return p
			},
			kind: settlement.KindTierNotFound,
		},
		{
			name: "tier of another event",
			charge: func(h *harness) webhook.Charge {
				p := h.ticketPurchase("PAY-E", 5000)
				p.EventID = "evt-other"
				return p
			},
			kind: settlement.KindTierNotFound,
		},
		{
			name: "unknown reseller code",
			charge: func(h *harness) webhook.Charge {
				p := h.ticketPurchase("PAY-R", 5500)
				p.ResellerCode = "NOPE"
				return p
			},
			kind: settlement.KindResellerInvalid,
		},
		{
			name: "underpaid",
			charge: func(h *harness) webhook.Charge {
				return h.ticketPurchase("PAY-U", 4000)
			},
			kind: settlement.KindAmountMismatch,
		},
		{
			name: "wrong currency",
			charge: func(h *harness) webhook.Charge {
				p := h.ticketPurchase("PAY-C", 5000)
				p.Currency = "NGN"
				return p
			},
			kind: settlement.KindAmountMismatch,
		},
		{
			name: "unknown candidate",
			charge: func(h *harness) webhook.Charge {
				return webhook.VotePurchase{Reference: "VOTE-X", Amount: 100, EventID: h.catalog.Event.ID, CandidateID: "cand-missing", VoteCount: 1}
			},
			kind: settlement.KindCandidateNotFound,
		},
		{
			name: "missing reference",
			charge: func(h *harness) webhook.Charge {
				return h.ticketPurchase("", 5000)
			},
			kind: settlement.KindMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			res, err := h.svc.Settle(context.Background(), tt.charge(h))

			require.NoError(t, err)
			assert.Equal(t, settlement.OutcomeRejected, res.Outcome)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, 0, h.count(t, (*models.Ticket)(nil), ""))
			assert.Equal(t, 0, h.count(t, (*models.Vote)(nil), ""))
			assert.Equal(t, int64(0), h.organizerBalance(t))
		})
	}
}

func TestSettle_UnhandledIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Settle(context.Background(), webhook.Unhandled{Reference: "X-1", Reason: "unknown type"})

	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeUnhandled, res.Outcome)
	assert.Equal(t, 0, h.count(t, (*models.ProcessedPayment)(nil), ""))
}

func TestSettle_SideEffectFailureKeepsSettlement(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp: connection refused")

	res, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-MAIL", 5000))

	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeSettled, res.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SideEffectFailures.WithLabelValues("email")))
	assert.Equal(t, int64(4750), h.organizerBalance(t))
}

// failingStore simulates storage trouble on the fast-path lookup.
type failingStore struct {
	*settlementdb.DB
}

func (f failingStore) PaymentSettled(context.Context, string) (bool, error) {
	return false, fmt.Errorf("dial tcp: connection refused")
}

func TestSettle_StorageFailureIsRetryable(t *testing.T) {
	db, c := dbtest.WithCatalog(t)
	h := newHarnessWithStore(t, db, c, failingStore{&settlementdb.DB{Bun: db}})

	_, err := h.svc.Settle(context.Background(), h.ticketPurchase("PAY-DOWN", 5000))

	require.Error(t, err)
	assert.Equal(t, settlement.KindTransientStorageFailure, settlement.KindOf(err))
	assert.Equal(t, 0, h.count(t, (*models.Ticket)(nil), ""))
}

func TestReconcile_RestoresMissingBookkeeping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.ticketPurchase("PAY-REC", 5500)
	p.ResellerCode = h.catalog.Link.UniqueCode
	_, err := h.svc.Settle(ctx, p)
	require.NoError(t, err)

	report, err := h.svc.Reconcile(ctx, "PAY-REC")
	require.NoError(t, err)
	assert.False(t, report.PayoutRecorded, "nothing to do when bookkeeping already ran")
	assert.False(t, report.CommissionRecorded)

	// Lose the bookkeeping rows and their balance credits.
	_, err = h.db.NewDelete().Model((*models.Payout)(nil)).Where("payment_reference = ?", "PAY-REC").Exec(ctx)
	require.NoError(t, err)
	_, err = h.db.NewDelete().Model((*models.ResellerSale)(nil)).Where("payment_reference = ?", "PAY-REC").Exec(ctx)
	require.NoError(t, err)
	_, err = h.db.NewUpdate().Model((*models.Organizer)(nil)).Set("total_earned = 0").Where("id = ?", h.catalog.Organizer.ID).Exec(ctx)
	require.NoError(t, err)
	_, err = h.db.NewUpdate().Model((*models.Reseller)(nil)).Set("total_earned = 0").Where("id = ?", h.catalog.Reseller.ID).Exec(ctx)
	require.NoError(t, err)

	report, err = h.svc.Reconcile(ctx, "PAY-REC")
	require.NoError(t, err)
	assert.True(t, report.PayoutRecorded)
	assert.True(t, report.CommissionRecorded)
	assert.Equal(t, int64(4750), h.organizerBalance(t))
	assert.Equal(t, int64(500), h.resellerBalance(t))

	_, err = h.svc.Reconcile(ctx, "PAY-UNKNOWN")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
