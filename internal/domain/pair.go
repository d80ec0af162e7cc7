package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CounterpartyClass groups a matched pair by who traded on each leg.
type CounterpartyClass string

const (
	ClassInvestorInvestor    CounterpartyClass = "investor_investor"
	ClassMarketMakerInvestor CounterpartyClass = "market_maker_investor"
)

// SubmissionState is the exchange-transmission state of a pair.
type SubmissionState string

const (
	StateUnsent   SubmissionState = "unsent"
	StateInFlight SubmissionState = "in_flight"
	StateSent     SubmissionState = "sent"
	// StateUnknown is entered when a submission timed out. The pair must be
	// reconciled against the matching service before it can be retried.
	StateUnknown SubmissionState = "unknown"
)

// PairKey is the stable identity of a matched pair.
type PairKey struct {
	BuyOrderID  string
	SellOrderID string
}

// String renders the key as "buy:sell".
func (k PairKey) String() string {
	return k.BuyOrderID + ":" + k.SellOrderID
}

// ParsePairKey parses the "buy:sell" form produced by PairKey.String.
func ParsePairKey(s string) (PairKey, error) {
	buy, sell, ok := strings.Cut(s, ":")
	if !ok || buy == "" || sell == "" {
		return PairKey{}, fmt.Errorf("pair id %q must have the form <buy_order_id>:<sell_order_id>", s)
	}
	return PairKey{BuyOrderID: buy, SellOrderID: sell}, nil
}

// MatchedPair is a buy order and a sell order matched by the matching
// service for a quantity at a price.
type MatchedPair struct {
	BuyOrderID         string
	SellOrderID        string
	FundID             string
	MatchedQuantity    decimal.Decimal
	MatchedPrice       int64
	TotalValue         int64 // 0 when the matching service did not report it
	BuyRemainingUnits  decimal.Decimal
	SellRemainingUnits decimal.Decimal
	BuyCounterparty    CounterpartyType
	SellCounterparty   CounterpartyType
	BuyName            string
	SellName           string
	Class              CounterpartyClass // as reported by the matching service, may be empty
	SentToExchange     *bool             // authoritative flag, nil when not reported
	MatchTimestamp     time.Time

	State PairState
}

// PairState carries the tracker-owned fields of a pair.
type PairState struct {
	Submission    SubmissionState
	ResolvedClass CounterpartyClass
	ClassSource   ClassSource
	LastError     string
	LastAttemptAt *time.Time
	SentAt        *time.Time
}

// ClassSource records which signal decided a pair's counterparty class.
type ClassSource string

const (
	SourceOrderType ClassSource = "order_type"
	SourcePairClass ClassSource = "pair_class"
	SourceNameMatch ClassSource = "name_heuristic"
)

// Key returns the pair's identity.
func (p *MatchedPair) Key() PairKey {
	return PairKey{BuyOrderID: p.BuyOrderID, SellOrderID: p.SellOrderID}
}

// Value returns TotalValue when reported, otherwise
// MatchedPrice × MatchedQuantity rounded to a whole currency unit.
func (p *MatchedPair) Value() int64 {
	if p.TotalValue != 0 {
		return p.TotalValue
	}
	return RoundCurrency(decimal.NewFromInt(p.MatchedPrice).Mul(p.MatchedQuantity))
}

// Sent reports whether the pair has been transmitted to the exchange.
func (p *MatchedPair) Sent() bool {
	return p.State.Submission == StateSent
}

// MatchSnapshot is everything the matching service reports for one fund
// and date range.
type MatchSnapshot struct {
	Pairs          []MatchedPair
	RemainingBuys  []Order
	RemainingSells []Order
}
