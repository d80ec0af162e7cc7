package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/client"
	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/metrics"
	"github.com/efreitasn/fundex/internal/pricing"
)

// Gate results used as the "result" label of metrics.PricingGate.
const (
	gateWithin     = "within"
	gateOverridden = "overridden"
	gateBlocked    = "blocked"
)

// ConvertRequest converts between a purchase amount and fund units. Exactly
// one of Amount and Units must be set.
type ConvertRequest struct {
	Amount   *int64
	Units    *decimal.Decimal
	NAVPrice int64
}

// ConvertResult is both sides of a conversion plus the purchase fee on the
// amount.
type ConvertResult struct {
	Amount      int64
	Units       decimal.Decimal
	PurchaseFee int64
}

// PriceRequest is a subscription to price. RatePercent defaults to the
// term's rate from the rate table, PurchaseFee to the fee on the units'
// amount and AsOf to today.
type PriceRequest struct {
	Units       decimal.Decimal
	NAVPrice    int64
	TermMonths  int
	RatePercent *decimal.Decimal
	PurchaseFee *int64
	AsOf        time.Time
}

// PriceResult is a priced subscription together with the inputs used.
type PriceResult struct {
	Request domain.SubscriptionRequest
	Result  domain.PricingResult
	AsOf    time.Time
}

// PricingService prices term-deposit subscriptions for the client.
type PricingService struct {
	engine *pricing.Engine
	rates  *client.TermRates
	logger *slog.Logger
	now    func() time.Time
}

// NewPricingService creates a new PricingService with the given dependencies.
func NewPricingService(engine *pricing.Engine, rates *client.TermRates, logger *slog.Logger) *PricingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PricingService{
		engine: engine,
		rates:  rates,
		logger: logger,
		now:    time.Now,
	}
}

// Terms returns the offered terms and their nominal rates.
func (s *PricingService) Terms() []domain.TermRate {
	return s.rates.Rates()
}

// Band returns the accepted deviation band.
func (s *PricingService) Band() pricing.Band {
	return s.engine.Band()
}

// Fee returns the purchase fee on amount.
func (s *PricingService) Fee(amount int64) (int64, error) {
	if amount < 0 {
		return 0, &domain.ValidationError{Message: "amount must be non-negative"}
	}
	return pricing.PurchaseFee(amount), nil
}

// Convert converts an amount to units or units to an amount at navPrice.
func (s *PricingService) Convert(req ConvertRequest) (ConvertResult, error) {
	if req.NAVPrice <= 0 {
		return ConvertResult{}, &domain.ValidationError{Message: "nav_price must be positive"}
	}
	if (req.Amount == nil) == (req.Units == nil) {
		return ConvertResult{}, &domain.ValidationError{Message: "exactly one of amount and units is required"}
	}

	var res ConvertResult
	if req.Amount != nil {
		if *req.Amount < 0 {
			return ConvertResult{}, &domain.ValidationError{Message: "amount must be non-negative"}
		}
		res.Amount = *req.Amount
		res.Units = pricing.AmountToUnits(*req.Amount, req.NAVPrice)
	} else {
		if req.Units.IsNegative() {
			return ConvertResult{}, &domain.ValidationError{Message: "units must be non-negative"}
		}
		res.Units = *req.Units
		res.Amount = pricing.UnitsToAmount(*req.Units, req.NAVPrice)
	}
	res.PurchaseFee = pricing.PurchaseFee(res.Amount)
	return res, nil
}

// subscription resolves the defaults of req into a SubscriptionRequest.
func (s *PricingService) subscription(req PriceRequest) (domain.SubscriptionRequest, time.Time, error) {
	if !req.Units.IsPositive() {
		return domain.SubscriptionRequest{}, time.Time{}, &domain.ValidationError{Message: "units must be positive"}
	}
	if req.NAVPrice <= 0 {
		return domain.SubscriptionRequest{}, time.Time{}, &domain.ValidationError{Message: "nav_price must be positive"}
	}

	sub := domain.SubscriptionRequest{
		Units:      req.Units,
		NAVPrice:   req.NAVPrice,
		TermMonths: req.TermMonths,
	}

	if req.RatePercent != nil {
		sub.NominalRatePercent = *req.RatePercent
	} else if req.TermMonths > 0 {
		rate, ok := s.rates.Rate(req.TermMonths)
		if !ok {
			return domain.SubscriptionRequest{}, time.Time{}, &domain.ValidationError{
				Message: fmt.Sprintf("no rate offered for a %d month term", req.TermMonths),
			}
		}
		sub.NominalRatePercent = rate
	}

	if req.PurchaseFee != nil {
		if *req.PurchaseFee < 0 {
			return domain.SubscriptionRequest{}, time.Time{}, &domain.ValidationError{Message: "purchase_fee must be non-negative"}
		}
		sub.PurchaseFee = *req.PurchaseFee
	} else {
		sub.PurchaseFee = pricing.PurchaseFee(pricing.UnitsToAmount(req.Units, req.NAVPrice))
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	return sub, asOf, nil
}

// Price prices one subscription. Degenerate terms or rates produce the
// zero result rather than an error.
func (s *PricingService) Price(req PriceRequest) (PriceResult, error) {
	sub, asOf, err := s.subscription(req)
	if err != nil {
		return PriceResult{}, err
	}
	return PriceResult{
		Request: sub,
		Result:  s.engine.MaturityPricing(sub, asOf),
		AsOf:    asOf,
	}, nil
}

// Quote prices the subscription against every offered term, in term
// order.
func (s *PricingService) Quote(req PriceRequest) ([]PriceResult, error) {
	req.RatePercent = nil
	req.TermMonths = 0
	sub, asOf, err := s.subscription(req)
	if err != nil {
		return nil, err
	}

	quotes := s.engine.Quote(sub, s.rates.Rates(), asOf)
	results := make([]PriceResult, len(quotes))
	for i, q := range quotes {
		priced := sub
		priced.TermMonths = q.Term.TermMonths
		priced.NominalRatePercent = q.Term.RatePercent
		results[i] = PriceResult{Request: priced, Result: q.Result, AsOf: asOf}
	}
	return results, nil
}

// Check prices the subscription and applies the threshold gate. The
// priced result is returned together with domain.ErrOutsideThreshold when
// the subscription is blocked.
func (s *PricingService) Check(req PriceRequest, override bool) (PriceResult, error) {
	priced, err := s.Price(req)
	if err != nil {
		return PriceResult{}, err
	}

	err = s.engine.Gate(priced.Result, override)
	switch {
	case priced.Result.WithinThreshold:
		metrics.PricingGate.WithLabelValues(gateWithin).Inc()
	case err == nil:
		metrics.PricingGate.WithLabelValues(gateOverridden).Inc()
	case errors.Is(err, domain.ErrOutsideThreshold):
		metrics.PricingGate.WithLabelValues(gateBlocked).Inc()
		s.logger.Info("subscription blocked by pricing gate",
			slog.String("deviation", priced.Result.RateDeviationPercent.StringFixed(4)),
			slog.Int("term_months", priced.Request.TermMonths),
		)
	}
	return priced, err
}
