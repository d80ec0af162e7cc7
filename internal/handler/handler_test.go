package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/client"
	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/pricing"
	"github.com/efreitasn/fundex/internal/service"
	"github.com/efreitasn/fundex/internal/settlement"
	"github.com/efreitasn/fundex/internal/store"
)

var baseTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// fakeMatches serves a fixed snapshot for every fund.
type fakeMatches struct {
	mu   sync.Mutex
	snap domain.MatchSnapshot
	err  error
}

func (f *fakeMatches) FetchMatches(_ context.Context, _ string, _, _ time.Time) (domain.MatchSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.MatchSnapshot{}, f.err
	}
	return f.snap, nil
}

// fakeExchange accepts every pair except those with a configured error.
type fakeExchange struct {
	mu    sync.Mutex
	errs  map[domain.PairKey]error
	calls int
}

func (f *fakeExchange) Submit(_ context.Context, pair domain.MatchedPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.errs[pair.Key()]
}

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router   http.Handler
	matches  *fakeMatches
	exchange *fakeExchange
	sent     *store.MemoryStore
}

func newTestEnv() *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	matches := &fakeMatches{snap: testSnapshot()}
	exchange := &fakeExchange{errs: make(map[domain.PairKey]error)}
	sent := store.NewMemoryStore()

	pricingSvc := service.NewPricingService(
		pricing.NewEngine(pricing.DefaultBand(), logger),
		client.DefaultTermRates(),
		logger,
	)
	settlementSvc := service.NewSettlementService(matches, exchange, sent, settlement.Options{
		PageSize:      2,
		SubmitTimeout: time.Second,
		Concurrency:   2,
	}, logger)

	return &testEnv{
		router:   NewRouter(pricingSvc, settlementSvc, logger),
		matches:  matches,
		exchange: exchange,
		sent:     sent,
	}
}

// testSnapshot holds three investor pairs, one market-maker pair and one
// pair classified only by name. B3:S3 is the newest.
func testSnapshot() domain.MatchSnapshot {
	var snap domain.MatchSnapshot
	for i := 0; i < 3; i++ {
		snap.Pairs = append(snap.Pairs, domain.MatchedPair{
			BuyOrderID:       fmt.Sprintf("B%d", i+1),
			SellOrderID:      fmt.Sprintf("S%d", i+1),
			FundID:           "FUND1",
			MatchedQuantity:  decimal.NewFromInt(10),
			MatchedPrice:     25000,
			BuyCounterparty:  domain.CounterpartyInvestor,
			SellCounterparty: domain.CounterpartyInvestor,
			MatchTimestamp:   baseTime.Add(time.Duration(i) * time.Minute),
		})
	}
	snap.Pairs = append(snap.Pairs,
		domain.MatchedPair{
			BuyOrderID:       "MB1",
			SellOrderID:      "MS1",
			FundID:           "FUND1",
			MatchedQuantity:  decimal.NewFromInt(4),
			MatchedPrice:     25000,
			BuyCounterparty:  domain.CounterpartyInvestor,
			SellCounterparty: domain.CounterpartyMarketMaker,
			MatchTimestamp:   baseTime.Add(-time.Hour),
		},
		domain.MatchedPair{
			BuyOrderID:      "NB1",
			SellOrderID:     "NS1",
			FundID:          "FUND1",
			MatchedQuantity: decimal.NewFromInt(1),
			MatchedPrice:    25000,
			BuyName:         "Ana Souza",
			SellName:        "Liquidity Market Maker",
			MatchTimestamp:  baseTime.Add(-2 * time.Hour),
		},
	)
	snap.RemainingBuys = []domain.Order{{
		OrderID:          "RB1",
		Side:             domain.OrderSideBuy,
		CounterpartyType: domain.CounterpartyInvestor,
		FundID:           "FUND1",
		Units:            decimal.NewFromInt(3),
		Amount:           75000,
		Price:            25000,
	}}
	return snap
}

// doJSON sends a JSON request and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// doRaw sends a raw request with optional content-type override.
func (env *testEnv) doRaw(t *testing.T, method, path, contentType, rawBody string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(rawBody))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// openSession opens a session via the API and returns its id.
func (env *testEnv) openSession(t *testing.T) string {
	t.Helper()
	rr := env.doJSON(t, "POST", "/sessions", map[string]any{
		"operator_id": "op1",
		"fund_id":     "FUND1",
		"from":        "2025-03-01",
		"to":          "2025-03-31",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp sessionResponse
	decodeJSON(t, rr, &resp)
	return resp.SessionID
}

// pairState returns the state of one pair from the unfiltered view.
func (env *testEnv) pairState(t *testing.T, sessionID, pairID string) string {
	t.Helper()
	for page := 1; page <= 3; page++ {
		rr := env.doJSON(t, "GET", fmt.Sprintf("/sessions/%s/pairs?filter=all&page=%d", sessionID, page), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("view: expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp viewResponse
		decodeJSON(t, rr, &resp)
		for _, p := range resp.Pairs {
			if p.PairID == pairID {
				return p.State
			}
		}
	}
	t.Fatalf("pair %s not in view", pairID)
	return ""
}

func maturityBody(fee int64) map[string]any {
	return map[string]any{
		"units":        "100",
		"nav_price":    25000,
		"term_months":  6,
		"rate_percent": "8",
		"purchase_fee": fee,
		"as_of":        "2025-01-01",
	}
}

// --- Healthz ---

func TestHealthz(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv()

	// Touch a pricing gate so the vector has a series.
	env.doJSON(t, "POST", "/subscriptions/check", maturityBody(7500))

	rr := env.doJSON(t, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "fundex_pricing_gate_total") {
		t.Fatalf("expected fundex metrics in output")
	}
}

// --- Pricing Endpoints ---

func TestTerms(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "GET", "/terms", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp termsResponse
	decodeJSON(t, rr, &resp)
	if len(resp.Terms) != 5 {
		t.Fatalf("expected 5 terms, got %d", len(resp.Terms))
	}
	if resp.Terms[0].TermMonths != 1 || resp.Terms[4].TermMonths != 12 {
		t.Fatalf("terms not in order: %+v", resp.Terms)
	}
	if !resp.Threshold.Min.Equal(decimal.RequireFromString("0.1")) || !resp.Threshold.Max.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("unexpected threshold %+v", resp.Threshold)
	}
}

func TestFee(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		amount int64
		want   int64
	}{
		{0, 0},
		{2_500_000, 7500},
		{15_000_000, 30000},
		{30_000_000, 30000},
	}
	for _, tc := range tests {
		rr := env.doJSON(t, "POST", "/pricing/fee", map[string]any{"amount": tc.amount})
		if rr.Code != http.StatusOK {
			t.Fatalf("fee(%d): expected 200, got %d: %s", tc.amount, rr.Code, rr.Body.String())
		}
		var resp feeResponse
		decodeJSON(t, rr, &resp)
		if resp.PurchaseFee != tc.want {
			t.Errorf("fee(%d) = %d, want %d", tc.amount, resp.PurchaseFee, tc.want)
		}
	}

	rr := env.doJSON(t, "POST", "/pricing/fee", map[string]any{"amount": -1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: expected 400, got %d", rr.Code)
	}
}

func TestConvert(t *testing.T) {
	env := newTestEnv()

	rr := env.doJSON(t, "POST", "/pricing/convert", map[string]any{"amount": 1_000_000, "nav_price": 25000})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp convertResponse
	decodeJSON(t, rr, &resp)
	if !resp.Units.Equal(decimal.NewFromInt(40)) || resp.PurchaseFee != 3000 {
		t.Fatalf("unexpected conversion %+v", resp)
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"both sides", map[string]any{"amount": 100, "units": "1", "nav_price": 25000}},
		{"too many decimals", map[string]any{"units": "1.12345", "nav_price": 25000}},
		{"missing nav", map[string]any{"amount": 100}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.doJSON(t, "POST", "/pricing/convert", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMaturity(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "POST", "/pricing/maturity", maturityBody(7500))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp pricingResponse
	decodeJSON(t, rr, &resp)
	if resp.SalePriceRounded != 26050 {
		t.Errorf("sale_price = %d, want 26050", resp.SalePriceRounded)
	}
	if resp.DaysToMaturity != 181 {
		t.Errorf("days_to_maturity = %d, want 181", resp.DaysToMaturity)
	}
	if resp.MaturityDate == nil || *resp.MaturityDate != "2025-07-01" {
		t.Errorf("maturity_date = %v, want 2025-07-01", resp.MaturityDate)
	}
	if !resp.WithinThreshold {
		t.Errorf("expected within_threshold")
	}
}

func TestMaturity_ValidationErrors(t *testing.T) {
	env := newTestEnv()

	withOverride := maturityBody(7500)
	withOverride["override"] = true
	badDate := maturityBody(7500)
	badDate["as_of"] = "01/01/2025"
	noUnits := maturityBody(7500)
	delete(noUnits, "units")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"override outside check", withOverride},
		{"bad as_of", badDate},
		{"missing units", noUnits},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.doJSON(t, "POST", "/pricing/maturity", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestQuote(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "POST", "/pricing/quote", map[string]any{
		"units":     "100",
		"nav_price": 25000,
		"as_of":     "2025-01-01",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp quoteResponse
	decodeJSON(t, rr, &resp)
	if resp.AsOf != "2025-01-01" {
		t.Errorf("as_of = %s", resp.AsOf)
	}
	if len(resp.Quotes) != 5 {
		t.Fatalf("expected 5 quotes, got %d", len(resp.Quotes))
	}
	for _, q := range resp.Quotes {
		if q.SalePriceRounded%domain.PriceStep != 0 {
			t.Errorf("term %d sale_price %d not a multiple of %d", q.TermMonths, q.SalePriceRounded, domain.PriceStep)
		}
		if q.PurchaseFee != 7500 {
			t.Errorf("term %d purchase_fee = %d, want 7500", q.TermMonths, q.PurchaseFee)
		}
	}
}

func TestCheck(t *testing.T) {
	env := newTestEnv()

	t.Run("within band", func(t *testing.T) {
		rr := env.doJSON(t, "POST", "/subscriptions/check", maturityBody(7500))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp checkResponse
		decodeJSON(t, rr, &resp)
		if !resp.Allowed || resp.Overridden {
			t.Fatalf("unexpected %+v", resp)
		}
	})

	t.Run("outside band blocks", func(t *testing.T) {
		rr := env.doJSON(t, "POST", "/subscriptions/check", maturityBody(0))
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp blockedResponse
		decodeJSON(t, rr, &resp)
		if resp.Error != "outside_threshold" {
			t.Fatalf("expected error=outside_threshold, got %s", resp.Error)
		}
		if resp.Pricing.SalePriceRounded != 26000 {
			t.Fatalf("expected blocked pricing sale_price=26000, got %d", resp.Pricing.SalePriceRounded)
		}
	})

	t.Run("override lets it through", func(t *testing.T) {
		body := maturityBody(0)
		body["override"] = true
		rr := env.doJSON(t, "POST", "/subscriptions/check", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp checkResponse
		decodeJSON(t, rr, &resp)
		if !resp.Allowed || !resp.Overridden {
			t.Fatalf("unexpected %+v", resp)
		}
	})
}

// --- Content-Type ---

func TestContentType(t *testing.T) {
	env := newTestEnv()

	rr := env.doRaw(t, "POST", "/pricing/fee", "text/plain", `{"amount":100}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("wrong content type: expected 400, got %d", rr.Code)
	}
	rr = env.doRaw(t, "POST", "/pricing/fee", "", `{"amount":100}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing content type: expected 400, got %d", rr.Code)
	}
	rr = env.doRaw(t, "POST", "/pricing/fee", "application/json", `{"amount":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: expected 400, got %d", rr.Code)
	}
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != "invalid_request" {
		t.Fatalf("expected error=invalid_request, got %s", resp.Error)
	}
}

// --- Session Endpoints ---

func TestSession_Open(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, "POST", "/sessions", map[string]any{
		"operator_id": "op1",
		"fund_id":     "FUND1",
		"from":        "2025-03-01",
		"to":          "2025-03-31",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp sessionResponse
	decodeJSON(t, rr, &resp)
	if resp.SessionID == "" || resp.OperatorID != "op1" || resp.FundID != "FUND1" {
		t.Fatalf("unexpected session %+v", resp)
	}
	if resp.From != "2025-03-01" || resp.To != "2025-03-31" {
		t.Fatalf("unexpected range %s..%s", resp.From, resp.To)
	}
	if resp.PairCount != 5 {
		t.Fatalf("expected 5 pairs, got %d", resp.PairCount)
	}
	if _, err := time.Parse(time.RFC3339, resp.CreatedAt); err != nil {
		t.Fatalf("created_at not RFC 3339: %v", err)
	}

	rr = env.doJSON(t, "GET", "/sessions/"+resp.SessionID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
}

func TestSession_Open_ValidationErrors(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing operator", map[string]any{"fund_id": "F", "from": "2025-03-01", "to": "2025-03-31"}},
		{"missing fund", map[string]any{"operator_id": "op", "from": "2025-03-01", "to": "2025-03-31"}},
		{"bad date", map[string]any{"operator_id": "op", "fund_id": "F", "from": "March 1", "to": "2025-03-31"}},
		{"reversed range", map[string]any{"operator_id": "op", "fund_id": "F", "from": "2025-03-31", "to": "2025-03-01"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.doJSON(t, "POST", "/sessions", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSession_Open_UpstreamFailure(t *testing.T) {
	env := newTestEnv()
	env.matches.err = fmt.Errorf("%w: connection refused", domain.ErrUpstreamFailure)

	rr := env.doJSON(t, "POST", "/sessions", map[string]any{
		"operator_id": "op1",
		"fund_id":     "FUND1",
		"from":        "2025-03-01",
		"to":          "2025-03-31",
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != "upstream_failure" {
		t.Fatalf("expected error=upstream_failure, got %s", resp.Error)
	}
}

func TestSession_NotFound(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		method, path string
		body         any
	}{
		{"GET", "/sessions/nope", nil},
		{"DELETE", "/sessions/nope", nil},
		{"POST", "/sessions/nope/reload", nil},
		{"GET", "/sessions/nope/pairs", nil},
		{"POST", "/sessions/nope/selection", map[string]any{"all": true}},
		{"DELETE", "/sessions/nope/selection", nil},
		{"POST", "/sessions/nope/send", nil},
		{"GET", "/sessions/nope/warnings", nil},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := env.doJSON(t, tc.method, tc.path, tc.body)
			if rr.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSession_Pairs(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "GET", "/sessions/"+id+"/pairs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp viewResponse
	decodeJSON(t, rr, &resp)

	if resp.Total != 5 || resp.PageCount != 3 || resp.Page != 1 || resp.PageSize != 2 {
		t.Fatalf("unexpected paging %+v", resp)
	}
	// Newest first.
	if len(resp.Pairs) != 2 || resp.Pairs[0].PairID != "B3:S3" || resp.Pairs[1].PairID != "B2:S2" {
		t.Fatalf("unexpected first page %+v", resp.Pairs)
	}
	if resp.Pairs[0].State != "unsent" || resp.Pairs[0].Class != "investor_investor" {
		t.Fatalf("unexpected pair %+v", resp.Pairs[0])
	}
	if resp.Pairs[0].TotalValue != 250000 {
		t.Fatalf("expected total_value=250000, got %d", resp.Pairs[0].TotalValue)
	}
	if !resp.Totals.Quantity.Equal(decimal.NewFromInt(35)) || resp.Totals.Value != 875000 {
		t.Fatalf("unexpected totals %+v", resp.Totals)
	}
	if !resp.PageTotals.Quantity.Equal(decimal.NewFromInt(20)) || resp.PageTotals.Value != 500000 {
		t.Fatalf("unexpected page totals %+v", resp.PageTotals)
	}
	if len(resp.RemainingBuys) != 1 || resp.RemainingBuys[0].OrderID != "RB1" || len(resp.RemainingSells) != 0 {
		t.Fatalf("unexpected remaining orders %+v / %+v", resp.RemainingBuys, resp.RemainingSells)
	}
}

func TestSession_Pairs_Filter(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "GET", "/sessions/"+id+"/pairs?filter=market_maker", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp viewResponse
	decodeJSON(t, rr, &resp)
	if resp.Filter != "market_maker" || resp.Total != 2 {
		t.Fatalf("unexpected filtered view %+v", resp)
	}
	if resp.Pairs[0].PairID != "MB1:MS1" || resp.Pairs[0].ClassSource != "order_type" {
		t.Fatalf("unexpected pair %+v", resp.Pairs[0])
	}
	if resp.Pairs[1].PairID != "NB1:NS1" || resp.Pairs[1].ClassSource != "name_heuristic" {
		t.Fatalf("unexpected pair %+v", resp.Pairs[1])
	}

	for _, q := range []string{"filter=bogus", "page=0", "page=x", "page_size=-1"} {
		rr := env.doJSON(t, "GET", "/sessions/"+id+"/pairs?"+q, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestSession_Pairs_PageOutOfRangeKeepsPage(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	env.doJSON(t, "GET", "/sessions/"+id+"/pairs?page=2", nil)
	rr := env.doJSON(t, "GET", "/sessions/"+id+"/pairs?page=99", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp viewResponse
	decodeJSON(t, rr, &resp)
	if resp.Page != 2 {
		t.Fatalf("expected page to stay 2, got %d", resp.Page)
	}
}

func TestSession_SelectAndSend(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"B1:S1", "B2:S2"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sel selectionResponse
	decodeJSON(t, rr, &sel)
	if sel.Added != 2 || len(sel.Selected) != 2 {
		t.Fatalf("unexpected selection %+v", sel)
	}

	// No body sends the selection.
	rr = env.doRaw(t, "POST", "/sessions/"+id+"/send", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var batch batchResponse
	decodeJSON(t, rr, &batch)
	if batch.SentCount != 2 || batch.FailedCount != 0 || batch.AlreadySentCount != 0 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if got := env.pairState(t, id, "B1:S1"); got != "sent" {
		t.Fatalf("expected B1:S1 sent, got %s", got)
	}

	// Sending again transmits nothing.
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/send", map[string]any{"pair_ids": []string{"B1:S1"}})
	decodeJSON(t, rr, &batch)
	if batch.SentCount != 0 || batch.AlreadySentCount != 1 {
		t.Fatalf("unexpected resend batch %+v", batch)
	}
	if env.exchange.calls != 2 {
		t.Fatalf("expected 2 exchange calls, got %d", env.exchange.calls)
	}

	// A sent pair cannot be selected.
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"B1:S1"}})
	if rr.Code != http.StatusConflict {
		t.Fatalf("select sent pair: expected 409, got %d", rr.Code)
	}
}

func TestSession_Send_PartialFailure(t *testing.T) {
	env := newTestEnv()
	env.exchange.errs[domain.PairKey{BuyOrderID: "B2", SellOrderID: "S2"}] = fmt.Errorf("%w: 422 fund closed", domain.ErrSubmissionRejected)
	id := env.openSession(t)

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/send", map[string]any{"pair_ids": []string{"B1:S1", "B2:S2", "X:Y"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var batch batchResponse
	decodeJSON(t, rr, &batch)
	if batch.SentCount != 1 || batch.FailedCount != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if got := env.pairState(t, id, "B2:S2"); got != "unsent" {
		t.Fatalf("expected failed pair unsent, got %s", got)
	}
}

func TestSession_SelectAll(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"all": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sel selectionResponse
	decodeJSON(t, rr, &sel)
	// Only the visible page of two.
	if sel.Added != 2 || len(sel.Selected) != 2 || sel.Selected[0] != "B3:S3" {
		t.Fatalf("unexpected selection %+v", sel)
	}

	rr = env.doJSON(t, "DELETE", "/sessions/"+id+"/selection/B3:S3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deselect: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decodeJSON(t, rr, &sel)
	if len(sel.Selected) != 1 || sel.Selected[0] != "B2:S2" {
		t.Fatalf("unexpected selection after deselect %+v", sel)
	}

	rr = env.doJSON(t, "DELETE", "/sessions/"+id+"/selection", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d", rr.Code)
	}
	decodeJSON(t, rr, &sel)
	if len(sel.Selected) != 0 {
		t.Fatalf("expected empty selection, got %v", sel.Selected)
	}

	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty pair_ids: expected 400, got %d", rr.Code)
	}
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"nocolon"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad pair id: expected 400, got %d", rr.Code)
	}
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"X:Y"}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown pair: expected 404, got %d", rr.Code)
	}
}

func TestSession_SelectCountsNewPairsOnly(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"B1:S1", "B1:S1", "B2:S2"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sel selectionResponse
	decodeJSON(t, rr, &sel)
	if sel.Added != 2 || len(sel.Selected) != 2 {
		t.Fatalf("unexpected selection %+v", sel)
	}

	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"B1:S1"}})
	decodeJSON(t, rr, &sel)
	if sel.Added != 0 || len(sel.Selected) != 2 {
		t.Fatalf("reselecting: unexpected selection %+v", sel)
	}

	// A rejected request leaves the selection as it was.
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/selection", map[string]any{"pair_ids": []string{"B3:S3", "X:Y"}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown pair: expected 404, got %d", rr.Code)
	}
	rr = env.doJSON(t, "GET", "/sessions/"+id+"/pairs", nil)
	var view viewResponse
	decodeJSON(t, rr, &view)
	if len(view.Selected) != 2 {
		t.Fatalf("expected selection of 2 after rejected request, got %v", view.Selected)
	}
}

func TestSession_TimeoutAndResolve(t *testing.T) {
	env := newTestEnv()
	env.exchange.errs[domain.PairKey{BuyOrderID: "B1", SellOrderID: "S1"}] = fmt.Errorf("%w: deadline", domain.ErrSubmissionTimeout)
	id := env.openSession(t)

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/send", map[string]any{"pair_ids": []string{"B1:S1"}})
	var batch batchResponse
	decodeJSON(t, rr, &batch)
	if len(batch.Unknown) != 1 || batch.Unknown[0] != "B1:S1" {
		t.Fatalf("expected B1:S1 unknown, got %+v", batch)
	}

	// Resolving a pair that is not awaiting reconciliation is rejected.
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/pairs/B2:S2/resolve", map[string]any{"sent": true})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("resolve unsent: expected 400, got %d", rr.Code)
	}
	rr = env.doJSON(t, "POST", "/sessions/"+id+"/pairs/B1:S1/resolve", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("resolve without sent: expected 400, got %d", rr.Code)
	}

	rr = env.doJSON(t, "POST", "/sessions/"+id+"/pairs/B1:S1/resolve", map[string]any{"sent": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var pair pairResponse
	decodeJSON(t, rr, &pair)
	if pair.State != "sent" || pair.SentAt == nil || pair.LastError != nil {
		t.Fatalf("unexpected resolved pair %+v", pair)
	}
}

func TestSession_ReloadHonoursAuthoritativeFlag(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	snap := testSnapshot()
	sent := true
	snap.Pairs[0].SentToExchange = &sent
	env.matches.mu.Lock()
	env.matches.snap = snap
	env.matches.mu.Unlock()

	rr := env.doJSON(t, "POST", "/sessions/"+id+"/reload", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reload: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := env.pairState(t, id, "B1:S1"); got != "sent" {
		t.Fatalf("expected B1:S1 sent after reload, got %s", got)
	}
}

func TestSession_Warnings(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	rr := env.doJSON(t, "GET", "/sessions/"+id+"/warnings", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Warnings []warningResponse `json:"warnings"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %+v", resp.Warnings)
	}
	if resp.Warnings[0].Kind != "classification_ambiguous" || resp.Warnings[0].PairID != "NB1:NS1" {
		t.Fatalf("unexpected warning %+v", resp.Warnings[0])
	}
}

func TestSession_Close(t *testing.T) {
	env := newTestEnv()
	id := env.openSession(t)

	env.doJSON(t, "POST", "/sessions/"+id+"/send", map[string]any{"pair_ids": []string{"B1:S1"}})
	ns := store.Namespace("op1", "FUND1")
	if recs, _ := env.sent.List(context.Background(), ns); len(recs) != 1 {
		t.Fatalf("expected 1 sent record, got %d", len(recs))
	}

	rr := env.doJSON(t, "DELETE", "/sessions/"+id, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if recs, _ := env.sent.List(context.Background(), ns); len(recs) != 0 {
		t.Fatalf("expected sent record cleared, got %d entries", len(recs))
	}

	rr = env.doJSON(t, "GET", "/sessions/"+id, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rr.Code)
	}
}
