package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionRequest is a term-deposit fund purchase as entered by the
// investor. PurchaseFee is derived from the purchase amount.
type SubscriptionRequest struct {
	Units              decimal.Decimal
	NAVPrice           int64
	TermMonths         int
	NominalRatePercent decimal.Decimal
	PurchaseFee        int64
}

// PricingResult is the maturity pricing of a SubscriptionRequest.
// The zero value is the blocking result returned for degenerate input.
type PricingResult struct {
	PurchaseValue        decimal.Decimal // L
	GrossMaturityValue   decimal.Decimal // U
	SalePriceRaw         int64           // S
	SalePriceRounded     int64           // T
	ImpliedRatePercent   decimal.Decimal // O
	RateDeviationPercent decimal.Decimal // Q
	WithinThreshold      bool
	DaysToMaturity       int
	MaturityDate         time.Time
}

// TermRate is one (term, nominal rate) option offered to investors.
type TermRate struct {
	TermMonths  int
	RatePercent decimal.Decimal
}
