package replication

import (
	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
)

// Skip reasons recorded when a member does not take part in a fan-out
const (
	SkipInsufficientBalance = "insufficient balance"
	SkipBelowMinimum        = "below minimum viable amount"
	SkipNoPrice             = "no price to convert fixed amount"
	SkipZeroAmount          = "nothing to copy"
)

var (
	sellAllThreshold = decimal.RequireFromString("0.01")
	sellAllBuffer    = decimal.RequireFromString("0.9999")
)

// Flow selects the batch size of a fan-out
type Flow string

const (
	FlowGroup Flow = "group"
	FlowVIP   Flow = "vip"
)

// SizingInput describes the master trade from one member's point of view.
// Balances are in the spent asset: quote asset for buys, token for sells.
type SizingInput struct {
	Side          models.Side
	MasterAmount  decimal.Decimal
	MasterBalance decimal.Decimal
	MemberBalance decimal.Decimal
	Price         decimal.Decimal
}

// Decision is the sizing outcome for one member
type Decision struct {
	Amount        decimal.Decimal
	ForceFullSell bool
	Skip          bool
	Reason        string
}

func skip(reason string) Decision {
	return Decision{Skip: true, Reason: reason}
}

// Sizer turns master trades into member copy amounts
type Sizer struct {
	MinViable decimal.Decimal
	VenueFee  decimal.Decimal
	Reserved  decimal.Decimal
}

// FlowFor returns the batch flow used for master's trades
func FlowFor(master *models.Account) Flow {
	if master.IsVIP() {
		return FlowVIP
	}
	return FlowGroup
}

// Size picks the policy for the member's assignment and applies member
// limits and the balance checks.
func (s Sizer) Size(master *models.Account, a models.MemberAssignment, in SizingInput) Decision {
	var d Decision
	switch {
	case master.IsVIP():
		d = s.BalanceRatio(in)
	case a.Group.CopyPolicy == models.PolicyFixedPrice:
		d = FixedPrice(a.Group.FixedPrice, in)
	case a.Group.CopyPolicy == models.PolicyFixedRatio:
		d = Decision{Amount: models.Percent(in.MasterAmount, a.Group.FixedRatio)}
	default:
		d = Decision{Amount: in.MasterAmount}
	}
	if d.Skip {
		return d
	}

	d = SellAll(in, d)
	d = ApplyLimits(a.Connection, in, d)

	if master.IsVIP() && d.Amount.LessThan(s.MinViable) {
		return skip(SkipBelowMinimum)
	}
	return s.Sufficient(in, d)
}

// BalanceRatio copies the exact master amount when the member holds at
// least as much as the master did, and scales it by member/master otherwise.
func (s Sizer) BalanceRatio(in SizingInput) Decision {
	if in.MemberBalance.GreaterThanOrEqual(in.MasterBalance) || !in.MasterBalance.IsPositive() {
		return Decision{Amount: in.MasterAmount}
	}
	return Decision{Amount: in.MasterAmount.Mul(in.MemberBalance).Div(in.MasterBalance)}
}

// FixedPrice copies a constant quote amount. Sells convert it to tokens at
// the trade price.
func FixedPrice(fixed decimal.Decimal, in SizingInput) Decision {
	if in.Side == models.SideBuy {
		return Decision{Amount: fixed}
	}
	if !in.Price.IsPositive() {
		return skip(SkipNoPrice)
	}
	return Decision{Amount: fixed.Div(in.Price)}
}

// SellAll replaces a sell copy with the member's whole balance (less a small
// buffer) when the member holds within 1% of what the master held before
// the trade. It applies to every policy and to partial sells alike.
func SellAll(in SizingInput, d Decision) Decision {
	if in.Side != models.SideSell || !in.MasterBalance.IsPositive() || !in.MemberBalance.IsPositive() {
		return d
	}
	if models.RelativeDiff(in.MemberBalance, in.MasterBalance).GreaterThanOrEqual(sellAllThreshold) {
		return d
	}
	return Decision{Amount: in.MemberBalance.Mul(sellAllBuffer), ForceFullSell: true}
}

// ApplyLimits caps d with the member's custom connection limits
func ApplyLimits(conn models.Connection, in SizingInput, d Decision) Decision {
	if conn.LimitOption != models.LimitOptionCustom {
		return d
	}
	if in.Side == models.SideBuy && conn.PriceLimit.IsPositive() && d.Amount.GreaterThan(conn.PriceLimit) {
		d.Amount = conn.PriceLimit
		d.ForceFullSell = false
	}
	if conn.RatioLimit.IsPositive() {
		max := models.Percent(in.MasterAmount, conn.RatioLimit)
		if d.Amount.GreaterThan(max) {
			d.Amount = max
			d.ForceFullSell = false
		}
	}
	return d
}

// Sufficient skips d when the member cannot fund it. Buys keep the estimated
// venue fee and the reserved balance untouched.
func (s Sizer) Sufficient(in SizingInput, d Decision) Decision {
	if !d.Amount.IsPositive() {
		return skip(SkipZeroAmount)
	}
	available := in.MemberBalance
	if in.Side == models.SideBuy {
		available = available.Sub(s.VenueFee).Sub(s.Reserved)
	}
	if d.Amount.GreaterThan(available) {
		return skip(SkipInsufficientBalance)
	}
	return d
}
