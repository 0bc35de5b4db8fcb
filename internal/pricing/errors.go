package pricing

import "errors"

var (
	ErrTierNotFound      = errors.New("tier not found")
	ErrSoldOut           = errors.New("tier sold out")
	ErrResellerInvalid   = errors.New("reseller code invalid")
	ErrCandidateNotFound = errors.New("candidate not found")
	ErrInvalidVoteCount  = errors.New("vote count must be positive")
)
