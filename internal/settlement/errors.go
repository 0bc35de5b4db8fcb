package settlement

import (
	"errors"
	"fmt"

	"ms-settlement/internal/pricing"
)

type Kind string

const (
	KindAuthFailure                 Kind = "AuthFailure"
	KindMalformedPayload            Kind = "MalformedPayload"
	KindAlreadySettled              Kind = "AlreadySettled"
	KindTierNotFound                Kind = "TierNotFound"
	KindSoldOut                     Kind = "SoldOut"
	KindResellerInvalid             Kind = "ResellerInvalid"
	KindCandidateNotFound           Kind = "CandidateNotFound"
	KindAmountMismatch              Kind = "AmountMismatch"
	KindDownstreamSideEffectFailure Kind = "DownstreamSideEffectFailure"
	KindTransientStorageFailure     Kind = "TransientStorageFailure"
)

var ErrAmountMismatch = errors.New("paid amount does not match server price")

// Error carries a taxonomy kind with the payment it concerns.
type Error struct {
	Kind      Kind
	Reference string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Reference, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BusinessRejection reports kinds that are acknowledged to the processor
// without retry because replaying the same payload cannot succeed.
func (k Kind) BusinessRejection() bool {
	switch k {
	case KindTierNotFound, KindSoldOut, KindResellerInvalid, KindCandidateNotFound, KindAmountMismatch:
		return true
	}
	return false
}

// KindOf classifies err; unknown errors are transient storage failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, pricing.ErrTierNotFound):
		return KindTierNotFound
	case errors.Is(err, pricing.ErrSoldOut):
		return KindSoldOut
	case errors.Is(err, pricing.ErrResellerInvalid):
		return KindResellerInvalid
	case errors.Is(err, pricing.ErrCandidateNotFound), errors.Is(err, pricing.ErrInvalidVoteCount):
		return KindCandidateNotFound
	case errors.Is(err, ErrAmountMismatch):
		return KindAmountMismatch
	}
	return KindTransientStorageFailure
}

func wrap(reference string, err error) *Error {
	return &Error{Kind: KindOf(err), Reference: reference, Err: err}
}
