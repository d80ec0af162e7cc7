// Package settlement tracks matched buy/sell pairs from the moment the
// matching service reports them until they are sent to the exchange.
package settlement

import (
	"strings"

	"github.com/efreitasn/fundex/internal/domain"
)

// DefaultMarketMakerTokens are the display-name fragments that mark a
// counterparty as a market maker when no structured field says so.
var DefaultMarketMakerTokens = []string{
	"market maker",
	"market_maker",
	"marketmaker",
	"nhà tạo lập",
	"nha tao lap",
	"tạo lập thị trường",
}

// Classifier decides the counterparty class of a pair.
type Classifier struct {
	tokens []string
}

// NewClassifier creates a Classifier using tokens for the name heuristic.
// Matching is case-insensitive.
func NewClassifier(tokens []string) *Classifier {
	lowered := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &Classifier{tokens: lowered}
}

// Classify returns the pair's class and the signal it was derived from,
// in order of preference:
//
//  1. the per-order counterparty types,
//  2. the class reported by the matching service for the pair,
//  3. a display-name match against the market-maker tokens.
//
// The third source is unreliable; callers should surface it.
func (c *Classifier) Classify(p *domain.MatchedPair) (domain.CounterpartyClass, domain.ClassSource) {
	buy, sell := p.BuyCounterparty, p.SellCounterparty
	if buy == domain.CounterpartyMarketMaker || sell == domain.CounterpartyMarketMaker {
		return domain.ClassMarketMakerInvestor, domain.SourceOrderType
	}
	if buy == domain.CounterpartyInvestor && sell == domain.CounterpartyInvestor {
		return domain.ClassInvestorInvestor, domain.SourceOrderType
	}

	switch p.Class {
	case domain.ClassInvestorInvestor, domain.ClassMarketMakerInvestor:
		return p.Class, domain.SourcePairClass
	}

	if c.looksLikeMarketMaker(p.BuyName) || c.looksLikeMarketMaker(p.SellName) {
		return domain.ClassMarketMakerInvestor, domain.SourceNameMatch
	}
	return domain.ClassInvestorInvestor, domain.SourceNameMatch
}

func (c *Classifier) looksLikeMarketMaker(name string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	for _, t := range c.tokens {
		if strings.Contains(name, t) {
			return true
		}
	}
	return false
}
