package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ms-settlement/internal/models"
)

const (
	// DefaultMarkupBps is the reseller markup over base price (110% charged).
	DefaultMarkupBps int64 = 1000
	// OrganizerShareBps is the organizer's share of base price.
	OrganizerShareBps int64 = 9500

	bpsDenominator int64 = 10000
)

// Settlement is the authoritative split of one charge in minor units.
// OrganizerShare + ResellerShare + PlatformFee == ChargeAmount.
type Settlement struct {
	ChargeAmount   int64 `json:"charge_amount"`
	OrganizerShare int64 `json:"organizer_share"`
	ResellerShare  int64 `json:"reseller_share"`
	PlatformFee    int64 `json:"platform_fee"`
}

// Split computes the revenue split for a base price. With a reseller the buyer
// pays base plus markup and the reseller keeps exactly the markup; the
// organizer gets 95% of base either way and the platform keeps the remainder
// of base.
func Split(base, markupBps int64, withReseller bool) (Settlement, error) {
	if base < 0 {
		return Settlement{}, fmt.Errorf("negative base price %d", base)
	}
	if markupBps < 0 {
		return Settlement{}, fmt.Errorf("negative markup %d bps", markupBps)
	}

	charge := base
	if withReseller {
		charge = applyBps(base, bpsDenominator+markupBps)
	}
	organizer := applyBps(base, OrganizerShareBps)

	s := Settlement{
		ChargeAmount:   charge,
		OrganizerShare: organizer,
		ResellerShare:  charge - base,
		PlatformFee:    base - organizer,
	}
	return s, nil
}

// ComputeSettlement splits a tier's catalog price, honoring the link's
// commission rate when one is set.
func ComputeSettlement(tier models.TicketTier, link *models.ResellerLink) (Settlement, error) {
	if link == nil {
		return Split(tier.Price, 0, false)
	}
	return Split(tier.Price, MarkupFor(link), true)
}

func MarkupFor(link *models.ResellerLink) int64 {
	if link == nil || link.CommissionRate <= 0 {
		return DefaultMarkupBps
	}
	return link.CommissionRate
}

// applyBps returns amount * bps / 10000 rounded half-up.
func applyBps(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Round(0).
		IntPart()
}
