package client

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/efreitasn/fundex/internal/domain"
)

// TermRates is the table of terms offered to investors with their
// nominal annual rates.
type TermRates struct {
	rates []domain.TermRate
}

// DefaultTermRates is used when no rate file is configured.
func DefaultTermRates() *TermRates {
	return &TermRates{rates: []domain.TermRate{
		{TermMonths: 1, RatePercent: decimal.RequireFromString("4.5")},
		{TermMonths: 3, RatePercent: decimal.RequireFromString("5.5")},
		{TermMonths: 6, RatePercent: decimal.RequireFromString("6.5")},
		{TermMonths: 9, RatePercent: decimal.RequireFromString("7")},
		{TermMonths: 12, RatePercent: decimal.RequireFromString("7.5")},
	}}
}

type rateFile struct {
	Terms []struct {
		Months int    `yaml:"months"`
		Rate   string `yaml:"rate"`
	} `yaml:"terms"`
}

// LoadTermRates reads a YAML rate table:
//
//	terms:
//	  - months: 6
//	    rate: 6.5
//
// An empty path returns DefaultTermRates.
func LoadTermRates(path string) (*TermRates, error) {
	if path == "" {
		return DefaultTermRates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read term rates: %w", err)
	}
	return ParseTermRates(data)
}

// ParseTermRates parses a YAML rate table. Terms must be positive and
// unique, rates positive.
func ParseTermRates(data []byte) (*TermRates, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse term rates: %w", err)
	}
	if len(f.Terms) == 0 {
		return nil, fmt.Errorf("term rates: no terms defined")
	}

	seen := make(map[int]bool, len(f.Terms))
	rates := make([]domain.TermRate, 0, len(f.Terms))
	for _, t := range f.Terms {
		if t.Months <= 0 {
			return nil, fmt.Errorf("term rates: months must be positive, got %d", t.Months)
		}
		if seen[t.Months] {
			return nil, fmt.Errorf("term rates: duplicate term %d months", t.Months)
		}
		seen[t.Months] = true

		rate, err := decimal.NewFromString(t.Rate)
		if err != nil {
			return nil, fmt.Errorf("term rates: %d months: invalid rate %q", t.Months, t.Rate)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("term rates: %d months: rate must be positive", t.Months)
		}
		rates = append(rates, domain.TermRate{TermMonths: t.Months, RatePercent: rate})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].TermMonths < rates[j].TermMonths })
	return &TermRates{rates: rates}, nil
}

// Rates returns the table ordered by term.
func (r *TermRates) Rates() []domain.TermRate {
	return append([]domain.TermRate(nil), r.rates...)
}

// Rate returns the nominal rate for a term.
func (r *TermRates) Rate(months int) (decimal.Decimal, bool) {
	for _, t := range r.rates {
		if t.TermMonths == months {
			return t.RatePercent, true
		}
	}
	return decimal.Zero, false
}
