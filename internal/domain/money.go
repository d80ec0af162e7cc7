package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceStep is the smallest quoted currency increment for fees,
// amounts and maturity prices.
const PriceStep = 50

// UnitPlaces is the number of decimal places fund units are kept at.
const UnitPlaces = 4

var priceStep = decimal.NewFromInt(PriceStep)

// RoundToStep rounds d to the nearest multiple of PriceStep using
// round(d/50)×50 semantics, halves rounding away from zero.
func RoundToStep(d decimal.Decimal) int64 {
	return d.Div(priceStep).Round(0).Mul(priceStep).IntPart()
}

// RoundCurrency rounds d to the nearest whole currency unit.
func RoundCurrency(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// ParseUnits parses a unit quantity and validates that it carries at
// most UnitPlaces decimal places.
func ParseUnits(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("units must be a decimal number: %w", err)
	}
	if !d.Equal(d.Truncate(UnitPlaces)) {
		return decimal.Zero, fmt.Errorf("units must have at most %d decimal places", UnitPlaces)
	}
	return d, nil
}
