// Package client adapts the external collaborators of the service: the
// matching service, the exchange submission service and the term rate
// table.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/domain"
)

const dateLayout = "2006-01-02"

// MatchingClient fetches matched pairs and remaining orders from the
// matching service.
type MatchingClient struct {
	baseURL string
	client  *http.Client
}

// NewMatchingClient creates a MatchingClient for the service at baseURL.
func NewMatchingClient(baseURL string, timeout time.Duration) *MatchingClient {
	return &MatchingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchMatches returns the matching service's snapshot for a fund and an
// inclusive date range.
func (c *MatchingClient) FetchMatches(ctx context.Context, fundID string, from, to time.Time) (domain.MatchSnapshot, error) {
	q := url.Values{}
	q.Set("from", from.Format(dateLayout))
	q.Set("to", to.Format(dateLayout))
	endpoint := c.baseURL + "/funds/" + url.PathEscape(fundID) + "/matches?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("build matches request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("%w: fetch matches: %v", domain.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.MatchSnapshot{}, fmt.Errorf("%w: matching service returned %d: %s",
			domain.ErrUpstreamFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw rawSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("%w: decode matches: %v", domain.ErrUpstreamFailure, err)
	}
	return raw.normalize(fundID)
}

// The matching service has shipped several field names for the same
// values over time. The raw types accept all of them and normalize maps
// them onto the domain model in one place.

type rawSnapshot struct {
	MatchedPairs   []rawPair  `json:"matched_pairs"`
	Pairs          []rawPair  `json:"pairs"`
	RemainingBuys  []rawOrder `json:"remaining_buys"`
	RemainingSells []rawOrder `json:"remaining_sells"`
}

type rawPair struct {
	BuyOrderID  string `json:"buy_order_id"`
	BuyID       string `json:"buy_id"`
	SellOrderID string `json:"sell_order_id"`
	SellID      string `json:"sell_id"`
	FundID      string `json:"fund_id"`

	MatchedQuantity *decimal.Decimal `json:"matched_quantity"`
	MatchedCCQ      *decimal.Decimal `json:"matched_ccq"`
	MatchedVolume   *decimal.Decimal `json:"matched_volume"`
	MatchedPrice    *decimal.Decimal `json:"matched_price"`
	Price           *decimal.Decimal `json:"price"`
	TotalValue      *decimal.Decimal `json:"total_value"`
	MatchedValue    *decimal.Decimal `json:"matched_value"`

	BuyRemainingUnits  *decimal.Decimal `json:"buy_remaining_units"`
	BuyRemainingCCQ    *decimal.Decimal `json:"buy_remaining_ccq"`
	SellRemainingUnits *decimal.Decimal `json:"sell_remaining_units"`
	SellRemainingCCQ   *decimal.Decimal `json:"sell_remaining_ccq"`

	BuyType              string `json:"buy_type"`
	BuyCounterpartyType  string `json:"buy_counterparty_type"`
	SellType             string `json:"sell_type"`
	SellCounterpartyType string `json:"sell_counterparty_type"`
	BuyName              string `json:"buy_name"`
	BuyInvestorName      string `json:"buy_investor_name"`
	SellName             string `json:"sell_name"`
	SellInvestorName     string `json:"sell_investor_name"`
	PairClass            string `json:"pair_class"`
	Class                string `json:"class"`

	SentToExchange *bool `json:"sent_to_exchange"`
	IsSent         *bool `json:"is_sent"`

	MatchedAt string `json:"matched_at"`
	MatchTime string `json:"match_time"`
	Timestamp string `json:"timestamp"`
}

type rawOrder struct {
	OrderID          string           `json:"order_id"`
	ID               string           `json:"id"`
	Side             string           `json:"side"`
	CounterpartyType string           `json:"counterparty_type"`
	Type             string           `json:"type"`
	CounterpartyName string           `json:"counterparty_name"`
	Name             string           `json:"name"`
	FundID           string           `json:"fund_id"`
	Units            *decimal.Decimal `json:"units"`
	CCQ              *decimal.Decimal `json:"ccq"`
	Quantity         *decimal.Decimal `json:"quantity"`
	Amount           *decimal.Decimal `json:"amount"`
	Price            *decimal.Decimal `json:"price"`
	Timestamp        string           `json:"timestamp"`
	CreatedAt        string           `json:"created_at"`
}

func (r rawSnapshot) normalize(fundID string) (domain.MatchSnapshot, error) {
	pairs := r.MatchedPairs
	if len(pairs) == 0 {
		pairs = r.Pairs
	}

	snap := domain.MatchSnapshot{
		Pairs:          make([]domain.MatchedPair, 0, len(pairs)),
		RemainingBuys:  make([]domain.Order, 0, len(r.RemainingBuys)),
		RemainingSells: make([]domain.Order, 0, len(r.RemainingSells)),
	}
	for i, rp := range pairs {
		p, err := rp.normalize(fundID)
		if err != nil {
			return domain.MatchSnapshot{}, fmt.Errorf("%w: matched pair %d: %v", domain.ErrUpstreamFailure, i, err)
		}
		snap.Pairs = append(snap.Pairs, p)
	}
	for _, ro := range r.RemainingBuys {
		snap.RemainingBuys = append(snap.RemainingBuys, ro.normalize(fundID, domain.OrderSideBuy))
	}
	for _, ro := range r.RemainingSells {
		snap.RemainingSells = append(snap.RemainingSells, ro.normalize(fundID, domain.OrderSideSell))
	}
	return snap, nil
}

func (r rawPair) normalize(fundID string) (domain.MatchedPair, error) {
	p := domain.MatchedPair{
		BuyOrderID:         firstString(r.BuyOrderID, r.BuyID),
		SellOrderID:        firstString(r.SellOrderID, r.SellID),
		FundID:             firstString(r.FundID, fundID),
		MatchedQuantity:    firstDecimal(r.MatchedQuantity, r.MatchedCCQ, r.MatchedVolume),
		MatchedPrice:       domain.RoundCurrency(firstDecimal(r.MatchedPrice, r.Price)),
		TotalValue:         domain.RoundCurrency(firstDecimal(r.TotalValue, r.MatchedValue)),
		BuyRemainingUnits:  firstDecimal(r.BuyRemainingUnits, r.BuyRemainingCCQ),
		SellRemainingUnits: firstDecimal(r.SellRemainingUnits, r.SellRemainingCCQ),
		BuyCounterparty:    parseCounterparty(firstString(r.BuyType, r.BuyCounterpartyType)),
		SellCounterparty:   parseCounterparty(firstString(r.SellType, r.SellCounterpartyType)),
		BuyName:            firstString(r.BuyName, r.BuyInvestorName),
		SellName:           firstString(r.SellName, r.SellInvestorName),
		Class:              parseClass(firstString(r.PairClass, r.Class)),
		SentToExchange:     r.SentToExchange,
	}
	if p.SentToExchange == nil {
		p.SentToExchange = r.IsSent
	}
	if p.BuyOrderID == "" || p.SellOrderID == "" {
		return domain.MatchedPair{}, errors.New("missing buy or sell order id")
	}
	if strings.Contains(p.BuyOrderID, ":") || strings.Contains(p.SellOrderID, ":") {
		return domain.MatchedPair{}, fmt.Errorf("order id must not contain ':' (%s, %s)", p.BuyOrderID, p.SellOrderID)
	}

	ts, err := parseTimestamp(firstString(r.MatchedAt, r.MatchTime, r.Timestamp))
	if err != nil {
		return domain.MatchedPair{}, err
	}
	p.MatchTimestamp = ts
	return p, nil
}

func (r rawOrder) normalize(fundID string, side domain.OrderSide) domain.Order {
	o := domain.Order{
		OrderID:          firstString(r.OrderID, r.ID),
		Side:             side,
		CounterpartyType: parseCounterparty(firstString(r.CounterpartyType, r.Type)),
		CounterpartyName: firstString(r.CounterpartyName, r.Name),
		FundID:           firstString(r.FundID, fundID),
		Units:            firstDecimal(r.Units, r.CCQ, r.Quantity),
		Amount:           domain.RoundCurrency(firstDecimal(r.Amount)),
		Price:            domain.RoundCurrency(firstDecimal(r.Price)),
	}
	// Remaining orders are informational; an unparseable time is left zero.
	o.Timestamp, _ = parseTimestamp(firstString(r.Timestamp, r.CreatedAt))
	return o
}

func firstString(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstDecimal(values ...*decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return decimal.Zero
}

func parseCounterparty(s string) domain.CounterpartyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "investor", "inv", "i":
		return domain.CounterpartyInvestor
	case "market_maker", "market-maker", "market maker", "marketmaker", "mm":
		return domain.CounterpartyMarketMaker
	}
	return domain.CounterpartyUnknown
}

func parseClass(s string) domain.CounterpartyClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "investor_investor", "investor-investor", "ii":
		return domain.ClassInvestorInvestor
	case "market_maker_investor", "market-maker-investor", "mm_investor", "mmi":
		return domain.ClassMarketMakerInvestor
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
