package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/domain"
)

// Filter selects pairs by counterparty class.
type Filter string

const (
	FilterAll         Filter = "all"
	FilterInvestor    Filter = "investor"
	FilterMarketMaker Filter = "market_maker"
)

// ParseFilter parses a filter name. The empty string means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterInvestor, FilterMarketMaker:
		return Filter(s), nil
	}
	return "", &domain.ValidationError{
		Message: fmt.Sprintf("Unknown filter: %s. Must be one of: all, investor, market_maker", s),
	}
}

// FilterByClass returns the pairs matching f, using the class resolved
// when the pairs were loaded.
func FilterByClass(pairs []domain.MatchedPair, f Filter) []domain.MatchedPair {
	if f == FilterAll || f == "" {
		return pairs
	}
	result := make([]domain.MatchedPair, 0, len(pairs))
	for _, p := range pairs {
		switch {
		case f == FilterInvestor && p.State.ResolvedClass == domain.ClassInvestorInvestor:
			result = append(result, p)
		case f == FilterMarketMaker && p.State.ResolvedClass == domain.ClassMarketMakerInvestor:
			result = append(result, p)
		}
	}
	return result
}

// Totals aggregates matched quantity and value over a set of pairs.
type Totals struct {
	Quantity decimal.Decimal
	Value    int64
}

// ComputeTotals sums MatchedQuantity and Value() over pairs.
func ComputeTotals(pairs []domain.MatchedPair) Totals {
	t := Totals{Quantity: decimal.Zero}
	for i := range pairs {
		t.Quantity = t.Quantity.Add(pairs[i].MatchedQuantity)
		t.Value += pairs[i].Value()
	}
	return t
}

// PageCount returns the number of pages of size needed for count items.
// There is always at least one page. A non-positive size means one page.
func PageCount(count, size int) int {
	if size <= 0 || count <= size {
		return 1
	}
	return (count + size - 1) / size
}

// ClampPage clamps page into [1, PageCount(count, size)].
func ClampPage(page, count, size int) int {
	last := PageCount(count, size)
	if page < 1 {
		return 1
	}
	if page > last {
		return last
	}
	return page
}

// Paginate returns the 1-indexed page of pairs, clamping page into range.
func Paginate(pairs []domain.MatchedPair, page, size int) []domain.MatchedPair {
	if size <= 0 {
		return pairs
	}
	page = ClampPage(page, len(pairs), size)
	start := (page - 1) * size
	if start >= len(pairs) {
		return []domain.MatchedPair{}
	}
	end := start + size
	if end > len(pairs) {
		end = len(pairs)
	}
	return pairs[start:end]
}
