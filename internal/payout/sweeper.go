package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/metrics"
	"ms-settlement/internal/models"
	payoutdb "ms-settlement/internal/payout/db"
	"ms-settlement/internal/processor"
	"ms-settlement/internal/utils"
	"ms-settlement/internal/webhook"
)

type Store interface {
	Beneficiaries(ctx context.Context) ([]payoutdb.Beneficiary, error)
	OpenTransfers(ctx context.Context) ([]models.Transfer, error)
	HasOpenTransfer(ctx context.Context, b payoutdb.Beneficiary) (bool, error)
	UnpaidEarnings(ctx context.Context, b payoutdb.Beneficiary) (payoutdb.Earnings, error)
	ReserveTransfer(ctx context.Context, t *models.Transfer, e payoutdb.Earnings) error
	MarkTransferPending(ctx context.Context, reference, transferCode string) (bool, error)
	ReleaseTransfer(ctx context.Context, reference, reason string) error
	GetTransfer(ctx context.Context, reference, transferCode string) (*models.Transfer, error)
	UpdateTransferStatus(ctx context.Context, t *models.Transfer, from, to models.TransferStatus, reason string) (bool, error)
	Recredit(ctx context.Context, reference string) (*models.Transfer, error)
}

type Transferer interface {
	InitiateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.TransferResponse, error)
	VerifyTransfer(ctx context.Context, reference string) (*processor.TransferResponse, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Options struct {
	DefaultThreshold int64
	Currency         string
	TransferTopic    string
	AutoRecredit     bool
}

// TransferEvent is published whenever a transfer changes state.
type TransferEvent struct {
	Reference       string                 `json:"reference"`
	TransferCode    string                 `json:"transfer_code,omitempty"`
	BeneficiaryType models.BeneficiaryType `json:"beneficiary_type"`
	BeneficiaryID   string                 `json:"beneficiary_id"`
	Amount          int64                  `json:"amount"`
	Currency        string                 `json:"currency"`
	Status          models.TransferStatus  `json:"status"`
	Recredited      bool                   `json:"recredited"`
	Reason          string                 `json:"reason,omitempty"`
	At              time.Time              `json:"at"`
}

type TransferResult struct {
	Reference       string                 `json:"reference"`
	BeneficiaryType models.BeneficiaryType `json:"beneficiary_type"`
	BeneficiaryID   string                 `json:"beneficiary_id"`
	Amount          int64                  `json:"amount"`
	Status          models.TransferStatus  `json:"status"`
	Error           string                 `json:"error,omitempty"`
}

type Report struct {
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	LockBusy    bool             `json:"lock_busy"`
	LockHolder  string           `json:"lock_holder,omitempty"`
	Resumed     int              `json:"resumed"`
	Considered  int              `json:"considered"`
	Eligible    int              `json:"eligible"`
	Initiated   int              `json:"initiated"`
	Rejected    int              `json:"rejected"`
	Failed      int              `json:"failed"`
	TotalAmount int64            `json:"total_amount"`
	Transfers   []TransferResult `json:"transfers"`
}

// TransferUpdate describes what a transfer webhook did.
type TransferUpdate struct {
	Reference  string                `json:"reference"`
	Applied    bool                  `json:"applied"`
	From       models.TransferStatus `json:"from,omitempty"`
	To         models.TransferStatus `json:"to,omitempty"`
	Recredited bool                  `json:"recredited"`
}

type Sweeper struct {
	store     Store
	processor Transferer
	lock      *Lock
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	opts      Options

	group singleflight.Group
}

// NewSweeper wires the sweeper. lock and publisher may be nil; without a lock
// sweeps are only serialized within this process.
func NewSweeper(store Store, p Transferer, lock *Lock, publisher Publisher, m *metrics.Metrics, log *logger.Logger, opts Options) *Sweeper {
	if opts.Currency == "" {
		opts.Currency = "GHS"
	}
	return &Sweeper{
		store:     store,
		processor: p,
		lock:      lock,
		publisher: publisher,
		metrics:   m,
		log:       log,
		opts:      opts,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Warn("PAYOUT", "Sweep interval not set, automatic payouts disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("PAYOUT", fmt.Sprintf("Payout sweep scheduled every %s", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("PAYOUT", fmt.Sprintf("Scheduled sweep failed: %v", err))
				continue
			}
			if report.LockBusy {
				s.log.Debug("PAYOUT", "Sweep skipped, another instance holds the lock")
				continue
			}
			s.log.Info("PAYOUT", fmt.Sprintf("Sweep done: %d initiated, %d rejected, %d failed, %s total",
				report.Initiated, report.Rejected, report.Failed, utils.FormatMinor(report.TotalAmount, s.opts.Currency)))
		}
	}
}

// Sweep pays out every eligible beneficiary once. Overlapping calls in this
// process share one run; other instances are kept out by the Redis lock.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	v, err, shared := s.group.Do("sweep", func() (interface{}, error) {
		return s.sweep(ctx)
	})
	if shared {
		s.log.Debug("PAYOUT", "Joined a sweep already in progress")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *Sweeper) sweep(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), Transfers: []TransferResult{}}

	if s.lock != nil {
		owner := utils.GenerateID()
		ok, err := s.lock.Acquire(ctx, owner)
		if err != nil {
			s.metrics.Sweep("error")
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.metrics.Sweep("locked")
			report.LockBusy = true
			holder, err := s.lock.Holder(ctx)
			if err != nil {
				s.log.Warn("PAYOUT", fmt.Sprintf("Sweep lock busy, holder unknown: %v", err))
			} else {
				report.LockHolder = holder
				s.log.Debug("PAYOUT", fmt.Sprintf("Sweep lock held by %s", holder))
			}
			report.FinishedAt = time.Now().UTC()
			return report, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), owner); err != nil {
				s.log.Warn("PAYOUT", fmt.Sprintf("Failed to release sweep lock: %v", err))
			}
		}()
	}

	open, err := s.store.OpenTransfers(ctx)
	if err != nil {
		s.metrics.Sweep("error")
		return nil, err
	}
	for i := range open {
		if ctx.Err() != nil {
			break
		}
		report.Resumed++
		result, err := s.resume(ctx, &open[i])
		report.add(result, err, s.log)
	}

	beneficiaries, err := s.store.Beneficiaries(ctx)
	if err != nil {
		s.metrics.Sweep("error")
		return nil, err
	}
	report.Considered = len(beneficiaries)

	for _, b := range beneficiaries {
		if ctx.Err() != nil {
			break
		}
		threshold := b.PayoutThreshold
		if threshold <= 0 {
			threshold = s.opts.DefaultThreshold
		}
		if b.TotalEarned < threshold {
			continue
		}
		report.Eligible++

		result, err := s.payOut(ctx, b)
		if err != nil && result == nil {
			result = &TransferResult{BeneficiaryType: b.Type, BeneficiaryID: b.ID}
		}
		report.add(result, err, s.log)
	}

	report.FinishedAt = time.Now().UTC()
	s.metrics.Sweep("completed")
	return report, nil
}

func (r *Report) add(result *TransferResult, err error, log *logger.Logger) {
	if err != nil {
		log.Error("PAYOUT", fmt.Sprintf("Payout to %s %s failed: %v", result.BeneficiaryType, result.BeneficiaryID, err))
		r.Failed++
		result.Error = err.Error()
		r.Transfers = append(r.Transfers, *result)
		return
	}
	if result == nil {
		return
	}
	switch result.Status {
	case models.TransferPending:
		r.Initiated++
		r.TotalAmount += result.Amount
	case models.TransferRejected:
		r.Rejected++
	}
	r.Transfers = append(r.Transfers, *result)
}

// payOut runs the state machine for one beneficiary. A nil result with a nil
// error means there was nothing to pay.
func (s *Sweeper) payOut(ctx context.Context, b payoutdb.Beneficiary) (*TransferResult, error) {
	open, err := s.store.HasOpenTransfer(ctx, b)
	if err != nil {
		return nil, err
	}
	if open {
		s.log.Warn("PAYOUT", fmt.Sprintf("%s %s has an unconfirmed transfer, skipping until it is resolved", b.Type, b.ID))
		return nil, nil
	}

	earnings, err := s.store.UnpaidEarnings(ctx, b)
	if err != nil {
		return nil, err
	}
	if earnings.Amount <= 0 || len(earnings.RowIDs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	transfer := &models.Transfer{
		ID:              utils.GenerateID(),
		Reference:       utils.GenerateReference("PAYOUT"),
		BeneficiaryType: b.Type,
		BeneficiaryID:   b.ID,
		RecipientCode:   b.RecipientCode,
		Amount:          earnings.Amount,
		Currency:        s.opts.Currency,
		Status:          models.TransferRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.ReserveTransfer(ctx, transfer, earnings); err != nil {
		return resultFor(transfer), err
	}
	s.log.Debug("PAYOUT", fmt.Sprintf("Reserved %d rows for %s", len(earnings.RowIDs), transfer.Reference))
	return s.initiate(ctx, transfer)
}

// resume settles a transfer left in Requested by an earlier sweep. Its
// amount is already off the balance, so it is found here and not through
// Beneficiaries. The
// processor is asked first; only a transfer it has never seen is sent again,
// under the same reference.
func (s *Sweeper) resume(ctx context.Context, t *models.Transfer) (*TransferResult, error) {
	resp, err := s.processor.VerifyTransfer(ctx, t.Reference)
	switch {
	case err == nil:
		s.log.Info("PAYOUT", fmt.Sprintf("Processor already has %s as %s, recording it", t.Reference, resp.TransferCode))
		return s.accepted(ctx, t, resp.TransferCode)
	case processor.IsNotFound(err):
		s.log.Info("PAYOUT", fmt.Sprintf("Retrying unconfirmed transfer %s", t.Reference))
		return s.initiate(ctx, t)
	default:
		return resultFor(t), fmt.Errorf("transfer %s still unconfirmed: %w", t.Reference, err)
	}
}

// initiate sends a reserved transfer. Only a definitive refusal releases the
// reservation; any other failure keeps it for a retry under the same
// reference.
func (s *Sweeper) initiate(ctx context.Context, t *models.Transfer) (*TransferResult, error) {
	resp, err := s.processor.InitiateTransfer(ctx, processor.TransferRequest{
		Amount:    t.Amount,
		Recipient: t.RecipientCode,
		Reference: t.Reference,
		Reason:    fmt.Sprintf("Ticketly %s payout", t.BeneficiaryType),
		Currency:  t.Currency,
	})
	if err == nil {
		return s.accepted(ctx, t, resp.TransferCode)
	}

	result := resultFor(t)
	if !processor.IsRefusal(err) {
		s.metrics.TransferInitiated(string(t.BeneficiaryType), "unconfirmed", t.Amount)
		return result, fmt.Errorf("transfer %s outcome unknown, kept for retry: %w", t.Reference, err)
	}

	reason := err.Error()
	if rerr := s.store.ReleaseTransfer(context.WithoutCancel(ctx), t.Reference, reason); rerr != nil {
		return result, fmt.Errorf("processor refused (%s) and releasing the reservation failed: %w", reason, rerr)
	}
	s.metrics.TransferInitiated(string(t.BeneficiaryType), "rejected", t.Amount)
	s.log.LogPayout("REJECTED", t.BeneficiaryID, fmt.Sprintf("%s for %s: %s", t.Reference, utils.FormatMinor(t.Amount, t.Currency), reason))
	t.Status = models.TransferRejected
	t.FailureReason = reason
	s.publish(ctx, t)
	result.Status = models.TransferRejected
	result.Error = reason
	return result, nil
}

func (s *Sweeper) accepted(ctx context.Context, t *models.Transfer, transferCode string) (*TransferResult, error) {
	result := resultFor(t)

	// The money is in flight; the ledger update must not be abandoned
	// because the caller went away.
	moved, err := s.store.MarkTransferPending(context.WithoutCancel(ctx), t.Reference, transferCode)
	if err != nil {
		s.metrics.TransferInitiated(string(t.BeneficiaryType), "unrecorded", t.Amount)
		return result, fmt.Errorf("transfer %s accepted as %s but not recorded: %w", t.Reference, transferCode, err)
	}

	s.metrics.TransferInitiated(string(t.BeneficiaryType), "accepted", t.Amount)
	result.Status = models.TransferPending
	if !moved {
		s.log.Info("PAYOUT", fmt.Sprintf("Transfer %s was settled by webhook before it was recorded", t.Reference))
		return result, nil
	}
	s.log.LogPayout("INITIATED", t.BeneficiaryID, fmt.Sprintf("%s (%s) for %s", t.Reference, transferCode, utils.FormatMinor(t.Amount, t.Currency)))
	t.Status = models.TransferPending
	t.TransferCode = transferCode
	s.publish(ctx, t)
	return result, nil
}

func resultFor(t *models.Transfer) *TransferResult {
	return &TransferResult{
		Reference:       t.Reference,
		BeneficiaryType: t.BeneficiaryType,
		BeneficiaryID:   t.BeneficiaryID,
		Amount:          t.Amount,
		Status:          t.Status,
	}
}

// ApplyTransferStatus applies a transfer.* webhook. Unknown transfers,
// duplicates and regressions are acknowledged without changes. Only storage
// failures are returned.
func (s *Sweeper) ApplyTransferStatus(ctx context.Context, kind webhook.Kind, data models.PaymentData) (*TransferUpdate, error) {
	update := &TransferUpdate{Reference: data.Reference}

	transfer, err := s.store.GetTransfer(ctx, data.Reference, data.TransferCode)
	if errors.Is(err, payoutdb.ErrTransferNotFound) {
		s.log.Warn("PAYOUT", fmt.Sprintf("Ignoring %s for unknown transfer %s/%s", kind, data.Reference, data.TransferCode))
		return update, nil
	}
	if err != nil {
		return nil, err
	}
	update.Reference = transfer.Reference
	update.From = transfer.Status
	if transfer.TransferCode == "" {
		transfer.TransferCode = data.TransferCode
	}

	next, ok := NextStatus(transfer.Status, kind)
	if !ok {
		s.log.Info("PAYOUT", fmt.Sprintf("Transfer %s already %s, ignoring %s", transfer.Reference, transfer.Status, kind))
		return update, nil
	}

	applied, err := s.store.UpdateTransferStatus(ctx, transfer, transfer.Status, next, data.Reason)
	if err != nil {
		return nil, err
	}
	if !applied {
		return update, nil
	}
	update.Applied = true
	update.To = next
	s.metrics.TransferStatus(string(next))
	s.log.LogPayout(string(next), transfer.BeneficiaryID, fmt.Sprintf("%s %s -> %s", transfer.Reference, transfer.Status, next))

	transfer.Status = next
	transfer.FailureReason = data.Reason
	s.publish(ctx, transfer)

	if s.opts.AutoRecredit && (next == models.TransferFailed || next == models.TransferReversed) {
		if _, err := s.Recredit(ctx, transfer.Reference); err != nil {
			s.log.Error("PAYOUT", fmt.Sprintf("Automatic recredit of %s failed: %v", transfer.Reference, err))
		} else {
			update.Recredited = true
		}
	}
	return update, nil
}

// Recredit returns a failed or reversed transfer's amount to the beneficiary
// balance and re-opens its rows for the next sweep. It applies at most once.
func (s *Sweeper) Recredit(ctx context.Context, reference string) (*models.Transfer, error) {
	transfer, err := s.store.Recredit(ctx, reference)
	if err != nil {
		return nil, err
	}
	s.log.LogPayout("RECREDITED", transfer.BeneficiaryID, fmt.Sprintf("%s returned %s to balance", transfer.Reference, utils.FormatMinor(transfer.Amount, transfer.Currency)))
	s.metrics.TransferStatus("recredited")
	s.publish(ctx, transfer)
	return transfer, nil
}

func (s *Sweeper) publish(ctx context.Context, t *models.Transfer) {
	if s.publisher == nil || s.opts.TransferTopic == "" {
		return
	}
	value, err := json.Marshal(TransferEvent{
		Reference:       t.Reference,
		TransferCode:    t.TransferCode,
		BeneficiaryType: t.BeneficiaryType,
		BeneficiaryID:   t.BeneficiaryID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		Status:          t.Status,
		Recredited:      t.Recredited,
		Reason:          t.FailureReason,
		At:              time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), s.opts.TransferTopic, t.Reference, value); err != nil {
		s.log.Warn("KAFKA", fmt.Sprintf("Failed to publish transfer event %s: %v", t.Reference, err))
	}
}
