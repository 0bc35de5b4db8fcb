package payout

import (
	"ms-settlement/internal/models"
	"ms-settlement/internal/webhook"
)

// NextStatus returns the status a transfer moves to when a transfer webhook of
// the given kind arrives. ok is false when the event must be ignored:
// duplicates, regressions such as failed-after-completed, and anything for a
// transfer the processor never accepted.
//
// A completed transfer can still be reversed.
func NextStatus(current models.TransferStatus, kind webhook.Kind) (next models.TransferStatus, ok bool) {
	target, known := targetStatus(kind)
	if !known || target == current {
		return current, false
	}

	switch current {
	case models.TransferRequested, models.TransferPending:
		return target, true
	case models.TransferCompleted:
		if target == models.TransferReversed {
			return target, true
		}
	}
	return current, false
}

func targetStatus(kind webhook.Kind) (models.TransferStatus, bool) {
	switch kind {
	case webhook.TransferSuccess:
		return models.TransferCompleted, true
	case webhook.TransferFailed:
		return models.TransferFailed, true
	case webhook.TransferReversed:
		return models.TransferReversed, true
	default:
		return "", false
	}
}
