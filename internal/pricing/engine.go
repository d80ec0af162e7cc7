// Package pricing computes purchase fees, unit conversions and the
// maturity sale price of term-deposit fund subscriptions.
package pricing

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/domain"
)

var (
	hundred     = decimal.NewFromInt(100)
	daysPerYear = decimal.NewFromInt(365)

	tier1Limit = decimal.NewFromInt(10_000_000)
	tier2Limit = decimal.NewFromInt(20_000_000)
	tier1Rate  = decimal.RequireFromString("0.003")
	tier2Rate  = decimal.RequireFromString("0.002")
	tier3Rate  = decimal.RequireFromString("0.001")
)

// Band is the inclusive range, in percentage points, that the rate
// deviation Q must fall in for a subscription to be allowed.
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultBand is [0.1, 2.0].
func DefaultBand() Band {
	return Band{
		Min: decimal.RequireFromString("0.1"),
		Max: decimal.RequireFromString("2.0"),
	}
}

// Contains reports whether q lies in the band, bounds included.
func (b Band) Contains(q decimal.Decimal) bool {
	return q.GreaterThanOrEqual(b.Min) && q.LessThanOrEqual(b.Max)
}

// Engine is the stateless pricing engine. The zero value is not usable;
// create one with NewEngine.
type Engine struct {
	band   Band
	logger *slog.Logger
}

// NewEngine creates an Engine gating on the given band.
func NewEngine(band Band, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{band: band, logger: logger}
}

// Band returns the threshold band the engine gates on.
func (e *Engine) Band() Band {
	return e.band
}

// PurchaseFee returns the tiered purchase fee for amount, rounded to the
// nearest multiple of 50. Non-positive amounts have no fee.
func PurchaseFee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	a := decimal.NewFromInt(amount)

	var rate decimal.Decimal
	switch {
	case a.LessThan(tier1Limit):
		rate = tier1Rate
	case a.LessThan(tier2Limit):
		rate = tier2Rate
	default:
		rate = tier3Rate
	}
	return domain.RoundToStep(a.Mul(rate))
}

// AmountToUnits converts a currency amount into fund units at navPrice,
// rounded to 4 decimal places.
func AmountToUnits(amount, navPrice int64) decimal.Decimal {
	if amount <= 0 || navPrice <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(amount).
		Div(decimal.NewFromInt(navPrice)).
		Round(domain.UnitPlaces)
}

// UnitsToAmount converts fund units into a currency amount at navPrice,
// rounded to the nearest multiple of 50.
func UnitsToAmount(units decimal.Decimal, navPrice int64) int64 {
	if !units.IsPositive() || navPrice <= 0 {
		return 0
	}
	return domain.RoundToStep(units.Mul(decimal.NewFromInt(navPrice)))
}

// DaysBetween returns the number of whole calendar days from a to b,
// comparing UTC dates only.
func DaysBetween(a, b time.Time) int {
	a = truncateDay(a)
	b = truncateDay(b)
	return int(b.Sub(a).Hours() / 24)
}

// MaturityDate adds termMonths calendar months to asOf. Month overflow
// normalizes the way time.AddDate does (Jan 31 + 1 month is Mar 2/3).
func MaturityDate(asOf time.Time, termMonths int) time.Time {
	return truncateDay(asOf).AddDate(0, termMonths, 0)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MaturityPricing computes the contractual maturity sale price of req and
// whether its implied return stays inside the engine's band.
//
// Degenerate input (no days to maturity, non-positive units, rate or NAV)
// yields the zero PricingResult, whose WithinThreshold is false.
func (e *Engine) MaturityPricing(req domain.SubscriptionRequest, asOf time.Time) domain.PricingResult {
	maturity := MaturityDate(asOf, req.TermMonths)
	days := DaysBetween(asOf, maturity)
	if days <= 0 || !req.Units.IsPositive() || !req.NominalRatePercent.IsPositive() || req.NAVPrice <= 0 {
		return domain.PricingResult{}
	}

	nav := decimal.NewFromInt(req.NAVPrice)
	d := decimal.NewFromInt(int64(days))

	// L = units × nav + fee
	l := req.Units.Mul(nav).Add(decimal.NewFromInt(req.PurchaseFee))
	// U = L × (rate/100) / 365 × days + L
	u := l.Mul(req.NominalRatePercent.Div(hundred)).Div(daysPerYear).Mul(d).Add(l)
	s := domain.RoundCurrency(u.Div(req.Units))
	t := domain.RoundToStep(decimal.NewFromInt(s))
	// O = (T / nav - 1) × 365 / days × 100
	o := decimal.NewFromInt(t).Div(nav).Sub(decimal.NewFromInt(1)).
		Mul(daysPerYear).Div(d).Mul(hundred)
	q := o.Sub(req.NominalRatePercent)

	return domain.PricingResult{
		PurchaseValue:        l,
		GrossMaturityValue:   u,
		SalePriceRaw:         s,
		SalePriceRounded:     t,
		ImpliedRatePercent:   o,
		RateDeviationPercent: q,
		WithinThreshold:      e.band.Contains(q),
		DaysToMaturity:       days,
		MaturityDate:         maturity,
	}
}

// Gate returns nil when a subscription priced as result may proceed to
// payment. A result outside the band is only let through with override,
// which is logged.
func (e *Engine) Gate(result domain.PricingResult, override bool) error {
	if result.WithinThreshold {
		return nil
	}
	if override {
		e.logger.Warn("pricing gate overridden",
			slog.String("deviation", result.RateDeviationPercent.StringFixed(4)),
			slog.Int64("sale_price", result.SalePriceRounded),
			slog.Int("days", result.DaysToMaturity),
		)
		return nil
	}
	return domain.ErrOutsideThreshold
}

// Quote prices the request against every term in rates. The request's own
// TermMonths and NominalRatePercent are replaced by each term's values.
func (e *Engine) Quote(req domain.SubscriptionRequest, rates []domain.TermRate, asOf time.Time) []TermQuote {
	quotes := make([]TermQuote, 0, len(rates))
	for _, r := range rates {
		priced := req
		priced.TermMonths = r.TermMonths
		priced.NominalRatePercent = r.RatePercent
		quotes = append(quotes, TermQuote{
			Term:   r,
			Result: e.MaturityPricing(priced, asOf),
		})
	}
	return quotes
}

// TermQuote is the pricing of a request for one offered term.
type TermQuote struct {
	Term   domain.TermRate
	Result domain.PricingResult
}
