package payout

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-settlement/internal/database"
	"ms-settlement/internal/database/dbtest"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	payoutdb "ms-settlement/internal/payout/db"
	"ms-settlement/internal/processor"
	"ms-settlement/internal/utils"
	"ms-settlement/internal/webhook"
)

type MockTransferer struct{ mock.Mock }

func (m *MockTransferer) InitiateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.TransferResponse, error) {
	args := m.Called(ctx, req)
	switch r := args.Get(0).(type) {
	case func(context.Context, processor.TransferRequest) *processor.TransferResponse:
		return r(ctx, req), args.Error(1)
	case *processor.TransferResponse:
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTransferer) VerifyTransfer(ctx context.Context, reference string) (*processor.TransferResponse, error) {
	args := m.Called(ctx, reference)
	if r, ok := args.Get(0).(*processor.TransferResponse); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// flakyLedger fails the first acceptance write, as a dropped database
// connection would.
type flakyLedger struct {
	*payoutdb.DB
	failures int
}

func (l *flakyLedger) MarkTransferPending(ctx context.Context, reference, transferCode string) (bool, error) {
	if l.failures > 0 {
		l.failures--
		return false, errors.New("driver: bad connection")
	}
	return l.DB.MarkTransferPending(ctx, reference, transferCode)
}

type recordingPublisher struct {
	topics []string
	keys   []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return nil
}

type sweepFixture struct {
	db        *bun.DB
	catalog   database.Catalog
	store     *payoutdb.DB
	transfers *MockTransferer
	published *recordingPublisher
	sweeper   *Sweeper
}

func newSweepFixture(t *testing.T, opts Options) *sweepFixture {
	t.Helper()
	db, c := dbtest.WithCatalog(t)
	f := &sweepFixture{
		db:        db,
		catalog:   c,
		store:     &payoutdb.DB{Bun: db},
		transfers: &MockTransferer{},
		published: &recordingPublisher{},
	}
	if opts.TransferTopic == "" {
		opts.TransferTopic = "payout.transfers"
	}
	f.sweeper = NewSweeper(f.store, f.transfers, nil, f.published, nil, logger.NewWithWriter(io.Discard), opts)
	return f
}

// earnOrganizer records one settled payment for the organizer the way
// settlement does: an unpaid payout row plus the balance increment.
func (f *sweepFixture) earnOrganizer(t *testing.T, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	dbtest.Insert(t, f.db, &models.Payout{
		ID:                utils.GenerateID(),
		BeneficiaryID:     f.catalog.Organizer.ID,
		AmountTotal:       amount,
		BeneficiaryAmount: amount,
		Type:              models.PayoutTypeTicket,
		PaymentReference:  utils.GenerateReference("TKT"),
		Status:            models.PayoutPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	f.addBalance(t, (*models.Organizer)(nil), f.catalog.Organizer.ID, amount)
}

func (f *sweepFixture) earnReseller(t *testing.T, amount int64) {
	t.Helper()
	dbtest.Insert(t, f.db, &models.ResellerSale{
		ID:               utils.GenerateID(),
		ResellerLinkID:   f.catalog.Link.ID,
		ResellerID:       f.catalog.Reseller.ID,
		TicketID:         utils.GenerateID(),
		PaymentReference: utils.GenerateReference("TKT"),
		SaleAmount:       amount * 11,
		CommissionEarned: amount,
		CreatedAt:        time.Now().UTC(),
	})
	f.addBalance(t, (*models.Reseller)(nil), f.catalog.Reseller.ID, amount)
}

func (f *sweepFixture) addBalance(t *testing.T, model interface{}, id string, amount int64) {
	t.Helper()
	_, err := f.db.NewUpdate().Model(model).
		Set("total_earned = total_earned + ?", amount).
		Where("id = ?", id).
		Exec(context.Background())
	require.NoError(t, err)
}

func (f *sweepFixture) organizer(t *testing.T) models.Organizer {
	t.Helper()
	var o models.Organizer
	require.NoError(t, f.db.NewSelect().Model(&o).Where("id = ?", f.catalog.Organizer.ID).Scan(context.Background()))
	return o
}

func (f *sweepFixture) reseller(t *testing.T) models.Reseller {
	t.Helper()
	var r models.Reseller
	require.NoError(t, f.db.NewSelect().Model(&r).Where("id = ?", f.catalog.Reseller.ID).Scan(context.Background()))
	return r
}

func (f *sweepFixture) unpaidPayouts(t *testing.T) int {
	t.Helper()
	n, err := f.db.NewSelect().Model((*models.Payout)(nil)).Where("transfer_reference IS NULL").Count(context.Background())
	require.NoError(t, err)
	return n
}

func (f *sweepFixture) transfer(t *testing.T, reference string) *models.Transfer {
	t.Helper()
	tr, err := f.store.GetTransfer(context.Background(), reference, "")
	require.NoError(t, err)
	return tr
}

func (f *sweepFixture) reservedPayouts(t *testing.T, reference string) int {
	t.Helper()
	n, err := f.db.NewSelect().Model((*models.Payout)(nil)).Where("transfer_reference = ?", reference).Count(context.Background())
	require.NoError(t, err)
	return n
}

func (f *sweepFixture) sentReferences() []string {
	var refs []string
	for _, c := range f.transfers.Calls {
		if c.Method == "InitiateTransfer" {
			refs = append(refs, c.Arguments.Get(1).(processor.TransferRequest).Reference)
		}
	}
	return refs
}

func (f *sweepFixture) acceptTransfers() {
	f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).
		Return(func(_ context.Context, req processor.TransferRequest) *processor.TransferResponse {
			return &processor.TransferResponse{TransferCode: "TRF_" + req.Reference, Reference: req.Reference, Status: "pending"}
		}, nil)
}

func TestSweep_PaysEligibleBeneficiaries(t *testing.T) {
	f := newSweepFixture(t, Options{})
	f.earnOrganizer(t, 4750)
	f.earnOrganizer(t, 4750)
	f.earnOrganizer(t, 4750)
	f.earnReseller(t, 3000)
	f.earnReseller(t, 3000)
	f.acceptTransfers()

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Considered)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 2, report.Initiated)
	assert.Equal(t, int64(14250+6000), report.TotalAmount)
	require.Len(t, report.Transfers, 2)

	assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
	assert.False(t, f.organizer(t).LastPayoutAt.IsZero())
	assert.Equal(t, int64(0), f.reseller(t).TotalEarned)
	assert.Equal(t, 0, f.unpaidPayouts(t))

	paid, err := f.db.NewSelect().Model((*models.ResellerSale)(nil)).Where("paid = ?", true).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, paid)

	for _, tr := range report.Transfers {
		stored := f.transfer(t, tr.Reference)
		assert.Equal(t, models.TransferPending, stored.Status)
		assert.Equal(t, "TRF_"+tr.Reference, stored.TransferCode)
	}
	assert.Len(t, f.published.keys, 2)
	f.transfers.AssertNumberOfCalls(t, "InitiateTransfer", 2)
}

func TestSweep_BelowThresholdIsSkipped(t *testing.T) {
	f := newSweepFixture(t, Options{})
	f.earnOrganizer(t, 4750)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Considered)
	assert.Equal(t, 0, report.Eligible)
	f.transfers.AssertNotCalled(t, "InitiateTransfer", mock.Anything, mock.Anything)
	assert.Equal(t, int64(4750), f.organizer(t).TotalEarned)
}

func TestSweep_DefaultThresholdApplies(t *testing.T) {
	f := newSweepFixture(t, Options{DefaultThreshold: 1000})
	_, err := f.db.NewUpdate().Model((*models.Organizer)(nil)).
		Set("payout_threshold = 0").
		Where("id = ?", f.catalog.Organizer.ID).
		Exec(context.Background())
	require.NoError(t, err)
	f.earnOrganizer(t, 1500)
	f.acceptTransfers()

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Initiated)
}

func TestSweep_ProcessorRefusalReleasesReservation(t *testing.T) {
	f := newSweepFixture(t, Options{})
	f.earnOrganizer(t, 12000)
	f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).
		Return(nil, &processor.APIError{StatusCode: 400, Message: "Insufficient balance"}).Once()

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.Initiated)
	require.Len(t, report.Transfers, 1)
	rejected := report.Transfers[0].Reference
	assert.Equal(t, models.TransferRejected, f.transfer(t, rejected).Status)
	assert.Equal(t, int64(12000), f.organizer(t).TotalEarned)
	assert.Equal(t, 1, f.unpaidPayouts(t))
	assert.Equal(t, 0, f.reservedPayouts(t, rejected))

	// A rejected transfer does not block the next run.
	f.acceptTransfers()
	report, err = f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Initiated)
	assert.NotEqual(t, rejected, report.Transfers[0].Reference)
	assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
}

func TestSweep_AmbiguousFailureRetriesSameReference(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transport error", errors.New("dial tcp 10.0.0.1:443: i/o timeout")},
		{"server error", &processor.APIError{StatusCode: 502, Message: "Bad gateway"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSweepFixture(t, Options{})
			f.earnOrganizer(t, 12000)
			f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			report, err := f.sweeper.Sweep(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, 0, report.Rejected)
			require.Len(t, report.Transfers, 1)
			ref := report.Transfers[0].Reference
			assert.Equal(t, models.TransferRequested, f.transfer(t, ref).Status)
			assert.Equal(t, int64(0), f.organizer(t).TotalEarned, "amount stays reserved")
			assert.Equal(t, 1, f.reservedPayouts(t, ref))

			f.transfers.On("VerifyTransfer", mock.Anything, ref).
				Return(nil, &processor.APIError{StatusCode: 404, Message: "Transfer not found"}).Once()
			f.acceptTransfers()

			report, err = f.sweeper.Sweep(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, report.Initiated)
			assert.Equal(t, []string{ref, ref}, f.sentReferences())
			assert.Equal(t, models.TransferPending, f.transfer(t, ref).Status)
			assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
			assert.Equal(t, 1, f.reservedPayouts(t, ref))
		})
	}
}

func TestSweep_UnconfirmedTransferKeptWhileProcessorUnreachable(t *testing.T) {
	f := newSweepFixture(t, Options{})
	f.earnOrganizer(t, 12000)
	f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	ref := report.Transfers[0].Reference

	// New earnings wait behind the unconfirmed transfer.
	f.earnOrganizer(t, 12000)
	f.transfers.On("VerifyTransfer", mock.Anything, ref).Return(nil, errors.New("connection refused")).Once()
	report, err = f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Initiated)
	assert.Equal(t, models.TransferRequested, f.transfer(t, ref).Status)
	f.transfers.AssertNumberOfCalls(t, "InitiateTransfer", 1)
	assert.Equal(t, int64(12000), f.organizer(t).TotalEarned)
	assert.Equal(t, 1, f.unpaidPayouts(t))
}

func TestSweep_AcceptedButUnrecordedIsNotPaidTwice(t *testing.T) {
	f := newSweepFixture(t, Options{})
	ledger := &flakyLedger{DB: f.store, failures: 1}
	f.sweeper.store = ledger
	f.earnOrganizer(t, 12000)
	f.acceptTransfers()
	ctx := context.Background()

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	ref := report.Transfers[0].Reference
	assert.Equal(t, models.TransferRequested, f.transfer(t, ref).Status)
	assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
	assert.Equal(t, 0, f.unpaidPayouts(t))

	update, err := f.sweeper.ApplyTransferStatus(ctx, webhook.TransferSuccess, models.PaymentData{Reference: ref, TransferCode: "TRF_" + ref})
	require.NoError(t, err)
	assert.True(t, update.Applied)
	assert.Equal(t, models.TransferRequested, update.From)
	stored := f.transfer(t, ref)
	assert.Equal(t, models.TransferCompleted, stored.Status)
	assert.Equal(t, "TRF_"+ref, stored.TransferCode)

	completed, err := f.db.NewSelect().Model((*models.Payout)(nil)).Where("status = ?", models.PayoutCompleted).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	report, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Initiated)
	assert.Equal(t, 0, report.Eligible)
	f.transfers.AssertNumberOfCalls(t, "InitiateTransfer", 1)
	f.transfers.AssertNotCalled(t, "VerifyTransfer", mock.Anything, mock.Anything)
	assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
}

func TestSweep_AcceptedButUnrecordedIsVerifiedNotResent(t *testing.T) {
	f := newSweepFixture(t, Options{})
	f.sweeper.store = &flakyLedger{DB: f.store, failures: 1}
	f.earnReseller(t, 6000)
	f.acceptTransfers()
	ctx := context.Background()

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	ref := report.Transfers[0].Reference
	assert.Equal(t, int64(0), f.reseller(t).TotalEarned)

	f.transfers.On("VerifyTransfer", mock.Anything, ref).
		Return(&processor.TransferResponse{TransferCode: "TRF_" + ref, Reference: ref, Status: "pending"}, nil).Once()
	report, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Initiated)
	stored := f.transfer(t, ref)
	assert.Equal(t, models.TransferPending, stored.Status)
	assert.Equal(t, "TRF_"+ref, stored.TransferCode)
	f.transfers.AssertNumberOfCalls(t, "InitiateTransfer", 1)
	assert.Equal(t, int64(0), f.reseller(t).TotalEarned)
}

func TestReleaseTransfer_OnlyFromRequested(t *testing.T) {
	f := newSweepFixture(t, Options{})
	ref := f.sweptOrganizerTransfer(t, 12000)

	require.NoError(t, f.store.ReleaseTransfer(context.Background(), ref, "late refusal"))

	assert.Equal(t, models.TransferPending, f.transfer(t, ref).Status)
	assert.Equal(t, int64(0), f.organizer(t).TotalEarned)
	assert.Equal(t, 1, f.reservedPayouts(t, ref))
	assert.ErrorIs(t, f.store.ReleaseTransfer(context.Background(), "PAYOUT-missing", "x"), payoutdb.ErrTransferNotFound)
}

func TestSweep_SkipsWhileAnotherInstanceHoldsLock(t *testing.T) {
	f := newSweepFixture(t, Options{})
	client, _ := setupTestRedis(t)
	lock := NewLock(client, "", time.Minute)
	f.sweeper.lock = lock
	f.earnOrganizer(t, 12000)

	ok, err := lock.Acquire(context.Background(), "other-instance")
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LockBusy)
	assert.Equal(t, "other-instance", report.LockHolder)
	f.transfers.AssertNotCalled(t, "InitiateTransfer", mock.Anything, mock.Anything)

	require.NoError(t, lock.Release(context.Background(), "other-instance"))
	f.acceptTransfers()
	report, err = f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, report.LockBusy)
	assert.Equal(t, 1, report.Initiated)

	holder, err := lock.Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder, "lock must be released after the sweep")
}

func (f *sweepFixture) sweptOrganizerTransfer(t *testing.T, amount int64) string {
	t.Helper()
	f.earnOrganizer(t, amount)
	f.acceptTransfers()
	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Initiated)
	return report.Transfers[0].Reference
}

func TestApplyTransferStatus_CompletesAndIgnoresRegression(t *testing.T) {
	f := newSweepFixture(t, Options{})
	ref := f.sweptOrganizerTransfer(t, 12000)
	ctx := context.Background()

	update, err := f.sweeper.ApplyTransferStatus(ctx, webhook.TransferSuccess, models.PaymentData{TransferCode: "TRF_" + ref})
	require.NoError(t, err)
	assert.True(t, update.Applied)
	assert.Equal(t, models.TransferCompleted, update.To)
	assert.Equal(t, models.TransferCompleted, f.transfer(t, ref).Status)

	completed, err := f.db.NewSelect().Model((*models.Payout)(nil)).Where("status = ?", models.PayoutCompleted).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	// failed after completed is a regression
	update, err = f.sweeper.ApplyTransferStatus(ctx, webhook.TransferFailed, models.PaymentData{Reference: ref})
	require.NoError(t, err)
	assert.False(t, update.Applied)
	assert.Equal(t, models.TransferCompleted, f.transfer(t, ref).Status)

	// duplicate delivery
	update, err = f.sweeper.ApplyTransferStatus(ctx, webhook.TransferSuccess, models.PaymentData{Reference: ref})
	require.NoError(t, err)
	assert.False(t, update.Applied)
}

func TestApplyTransferStatus_UnknownTransferAcknowledged(t *testing.T) {
	f := newSweepFixture(t, Options{})

	update, err := f.sweeper.ApplyTransferStatus(context.Background(), webhook.TransferFailed, models.PaymentData{Reference: "PAYOUT-nope"})

	require.NoError(t, err)
	assert.False(t, update.Applied)
}

func TestRecredit_RestoresBalanceOnce(t *testing.T) {
	f := newSweepFixture(t, Options{})
	ref := f.sweptOrganizerTransfer(t, 12000)
	ctx := context.Background()
	require.Equal(t, int64(0), f.organizer(t).TotalEarned)

	_, err := f.sweeper.Recredit(ctx, ref)
	assert.ErrorIs(t, err, payoutdb.ErrNotRecreditable, "a pending transfer cannot be recredited")

	update, err := f.sweeper.ApplyTransferStatus(ctx, webhook.TransferFailed, models.PaymentData{Reference: ref, Reason: "account closed"})
	require.NoError(t, err)
	require.True(t, update.Applied)
	assert.False(t, update.Recredited)
	assert.Equal(t, int64(0), f.organizer(t).TotalEarned, "failure alone does not move money")

	tr, err := f.sweeper.Recredit(ctx, ref)
	require.NoError(t, err)
	assert.True(t, tr.Recredited)
	assert.Equal(t, int64(12000), f.organizer(t).TotalEarned)
	assert.Equal(t, 1, f.unpaidPayouts(t))

	_, err = f.sweeper.Recredit(ctx, ref)
	assert.ErrorIs(t, err, payoutdb.ErrAlreadyRecredited)
	assert.Equal(t, int64(12000), f.organizer(t).TotalEarned)

	_, err = f.sweeper.Recredit(ctx, "PAYOUT-missing")
	assert.ErrorIs(t, err, payoutdb.ErrTransferNotFound)
}

func TestApplyTransferStatus_AutoRecreditOnReversal(t *testing.T) {
	f := newSweepFixture(t, Options{AutoRecredit: true})
	f.earnReseller(t, 6000)
	f.acceptTransfers()
	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Initiated)
	ref := report.Transfers[0].Reference

	ctx := context.Background()
	_, err = f.sweeper.ApplyTransferStatus(ctx, webhook.TransferSuccess, models.PaymentData{Reference: ref})
	require.NoError(t, err)
	update, err := f.sweeper.ApplyTransferStatus(ctx, webhook.TransferReversed, models.PaymentData{Reference: ref})
	require.NoError(t, err)

	assert.True(t, update.Applied)
	assert.True(t, update.Recredited)
	assert.Equal(t, int64(6000), f.reseller(t).TotalEarned)

	unpaid, err := f.db.NewSelect().Model((*models.ResellerSale)(nil)).Where("paid = ?", false).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unpaid)
}
