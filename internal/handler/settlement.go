package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/service"
	"github.com/efreitasn/fundex/internal/settlement"
)

// SettlementHandler handles HTTP requests for settlement session endpoints.
type SettlementHandler struct {
	settlementSvc *service.SettlementService
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(settlementSvc *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlementSvc: settlementSvc}
}

// openSessionRequest is the JSON request body for POST /sessions.
type openSessionRequest struct {
	OperatorID string `json:"operator_id"`
	FundID     string `json:"fund_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	FundID     string `json:"fund_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	CreatedAt  string `json:"created_at"`
	LoadedAt   string `json:"loaded_at"`
	PairCount  int    `json:"pair_count"`
}

// selectionRequest selects the listed pairs, or every unsent pair on the
// current page when All is set.
type selectionRequest struct {
	PairIDs []string `json:"pair_ids"`
	All     bool     `json:"all"`
}

type selectionResponse struct {
	Added    int      `json:"added"`
	Selected []string `json:"selected"`
}

type sendRequest struct {
	PairIDs []string `json:"pair_ids"`
}

type resolveRequest struct {
	Sent *bool `json:"sent"`
}

type pairResponse struct {
	PairID             string          `json:"pair_id"`
	BuyOrderID         string          `json:"buy_order_id"`
	SellOrderID        string          `json:"sell_order_id"`
	FundID             string          `json:"fund_id"`
	MatchedQuantity    decimal.Decimal `json:"matched_quantity"`
	MatchedPrice       int64           `json:"matched_price"`
	TotalValue         int64           `json:"total_value"`
	BuyRemainingUnits  decimal.Decimal `json:"buy_remaining_units"`
	SellRemainingUnits decimal.Decimal `json:"sell_remaining_units"`
	BuyCounterparty    string          `json:"buy_counterparty"`
	SellCounterparty   string          `json:"sell_counterparty"`
	BuyName            string          `json:"buy_name"`
	SellName           string          `json:"sell_name"`
	Class              string          `json:"class"`
	ClassSource        string          `json:"class_source"`
	State              string          `json:"state"`
	Selected           bool            `json:"selected"`
	LastError          *string         `json:"last_error"`
	LastAttemptAt      *string         `json:"last_attempt_at"`
	SentAt             *string         `json:"sent_at"`
	MatchedAt          string          `json:"matched_at"`
}

type totalsResponse struct {
	Quantity decimal.Decimal `json:"quantity"`
	Value    int64           `json:"value"`
}

type orderResponse struct {
	OrderID          string          `json:"order_id"`
	Side             string          `json:"side"`
	CounterpartyType string          `json:"counterparty_type"`
	CounterpartyName string          `json:"counterparty_name"`
	Units            decimal.Decimal `json:"units"`
	Amount           int64           `json:"amount"`
	Price            int64           `json:"price"`
}

type viewResponse struct {
	Pairs          []pairResponse  `json:"pairs"`
	Totals         totalsResponse  `json:"totals"`
	PageTotals     totalsResponse  `json:"page_totals"`
	Filter         string          `json:"filter"`
	Page           int             `json:"page"`
	PageSize       int             `json:"page_size"`
	PageCount      int             `json:"page_count"`
	Total          int             `json:"total"`
	Selected       []string        `json:"selected"`
	RemainingBuys  []orderResponse `json:"remaining_buys"`
	RemainingSells []orderResponse `json:"remaining_sells"`
}

type pairFailureResponse struct {
	PairID string `json:"pair_id"`
	Reason string `json:"reason"`
}

type batchResponse struct {
	SentCount        int                   `json:"sent_count"`
	AlreadySentCount int                   `json:"already_sent_count"`
	FailedCount      int                   `json:"failed_count"`
	Sent             []string              `json:"sent"`
	AlreadySent      []string              `json:"already_sent"`
	Failed           []pairFailureResponse `json:"failed"`
	InFlight         []string              `json:"in_flight"`
	Unknown          []string              `json:"unknown"`
}

type warningResponse struct {
	Kind    string `json:"kind"`
	PairID  string `json:"pair_id"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Open handles POST /sessions.
func (h *SettlementHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	from, err := parseDate("from", req.From)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	to, err := parseDate("to", req.To)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	sess, err := h.settlementSvc.Open(r.Context(), service.OpenSessionRequest{
		OperatorID: req.OperatorID,
		FundID:     req.FundID,
		From:       from,
		To:         to,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildSessionResponse(sess))
}

// Get handles GET /sessions/{session_id}.
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.settlementSvc.Get(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildSessionResponse(sess))
}

// Close handles DELETE /sessions/{session_id}.
func (h *SettlementHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.settlementSvc.Close(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reload handles POST /sessions/{session_id}/reload.
func (h *SettlementHandler) Reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.settlementSvc.Reload(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	sess, err := h.settlementSvc.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildSessionResponse(sess))
}

// Pairs handles GET /sessions/{session_id}/pairs.
func (h *SettlementHandler) Pairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pageSize, err := queryInt(q.Get("page_size"), "page_size")
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := h.settlementSvc.View(chi.URLParam(r, "session_id"), service.ViewRequest{
		Filter:   q.Get("filter"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildViewResponse(view))
}

// Select handles POST /sessions/{session_id}/selection.
func (h *SettlementHandler) Select(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")

	var req selectionRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	added := 0
	if req.All {
		n, err := h.settlementSvc.SelectAll(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		added = n
	} else {
		if len(req.PairIDs) == 0 {
			WriteError(w, http.StatusBadRequest, "validation_error", "pair_ids must be a non-empty array unless all is true")
			return
		}
		keys, err := parsePairIDs(req.PairIDs)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		n, err := h.settlementSvc.Select(id, keys)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		added = n
	}
	h.writeSelection(w, id, added)
}

// ClearSelection handles DELETE /sessions/{session_id}/selection.
func (h *SettlementHandler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.settlementSvc.ClearSelection(id); err != nil {
		writeServiceError(w, err)
		return
	}
	h.writeSelection(w, id, 0)
}

// Deselect handles DELETE /sessions/{session_id}/selection/{pair_id}.
func (h *SettlementHandler) Deselect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	key, err := parsePairID(chi.URLParam(r, "pair_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.settlementSvc.Deselect(id, key); err != nil {
		writeServiceError(w, err)
		return
	}
	h.writeSelection(w, id, 0)
}

func (h *SettlementHandler) writeSelection(w http.ResponseWriter, id string, added int) {
	sess, err := h.settlementSvc.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, selectionResponse{
		Added:    added,
		Selected: pairIDs(sess.Tracker().Selected()),
	})
}

// Send handles POST /sessions/{session_id}/send. Without pair_ids the
// current selection is sent.
func (h *SettlementHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := parseOptionalJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	keys, err := parsePairIDs(req.PairIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.settlementSvc.Send(r.Context(), chi.URLParam(r, "session_id"), keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildBatchResponse(res))
}

// Resolve handles POST /sessions/{session_id}/pairs/{pair_id}/resolve.
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	key, err := parsePairID(chi.URLParam(r, "pair_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var req resolveRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Sent == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "sent is required")
		return
	}

	if err := h.settlementSvc.Resolve(r.Context(), id, key, *req.Sent); err != nil {
		writeServiceError(w, err)
		return
	}
	sess, err := h.settlementSvc.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pair, err := sess.Tracker().Pair(key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPairResponse(pair, false))
}

// Warnings handles GET /sessions/{session_id}/warnings.
func (h *SettlementHandler) Warnings(w http.ResponseWriter, r *http.Request) {
	warnings, err := h.settlementSvc.Warnings(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]warningResponse, len(warnings))
	for i, wr := range warnings {
		resp[i] = warningResponse{
			Kind:    string(wr.Kind),
			PairID:  wr.Key.String(),
			Message: wr.Message,
			At:      formatTime(wr.At),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"warnings": resp})
}

func queryInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &domain.ValidationError{Message: field + " must be a positive integer"}
	}
	return n, nil
}

func pairIDs(keys []domain.PairKey) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}
	return ids
}

func buildSessionResponse(sess *service.Session) sessionResponse {
	return sessionResponse{
		SessionID:  sess.ID,
		OperatorID: sess.OperatorID,
		FundID:     sess.FundID,
		From:       sess.From.Format(dateLayout),
		To:         sess.To.Format(dateLayout),
		CreatedAt:  formatTime(sess.CreatedAt),
		LoadedAt:   formatTime(sess.LoadedAt()),
		PairCount:  len(sess.Tracker().Pairs()),
	}
}

func buildPairResponse(p domain.MatchedPair, selected bool) pairResponse {
	resp := pairResponse{
		PairID:             p.Key().String(),
		BuyOrderID:         p.BuyOrderID,
		SellOrderID:        p.SellOrderID,
		FundID:             p.FundID,
		MatchedQuantity:    p.MatchedQuantity,
		MatchedPrice:       p.MatchedPrice,
		TotalValue:         p.Value(),
		BuyRemainingUnits:  p.BuyRemainingUnits,
		SellRemainingUnits: p.SellRemainingUnits,
		BuyCounterparty:    string(p.BuyCounterparty),
		SellCounterparty:   string(p.SellCounterparty),
		BuyName:            p.BuyName,
		SellName:           p.SellName,
		Class:              string(p.State.ResolvedClass),
		ClassSource:        string(p.State.ClassSource),
		State:              string(p.State.Submission),
		Selected:           selected,
		LastAttemptAt:      formatOptionalTime(p.State.LastAttemptAt),
		SentAt:             formatOptionalTime(p.State.SentAt),
		MatchedAt:          formatTime(p.MatchTimestamp),
	}
	if p.State.LastError != "" {
		msg := p.State.LastError
		resp.LastError = &msg
	}
	return resp
}

func buildTotalsResponse(t settlement.Totals) totalsResponse {
	return totalsResponse{Quantity: t.Quantity, Value: t.Value}
}

func buildOrderResponses(orders []domain.Order) []orderResponse {
	resp := make([]orderResponse, len(orders))
	for i, o := range orders {
		resp[i] = orderResponse{
			OrderID:          o.OrderID,
			Side:             string(o.Side),
			CounterpartyType: string(o.CounterpartyType),
			CounterpartyName: o.CounterpartyName,
			Units:            o.Units,
			Amount:           o.Amount,
			Price:            o.Price,
		}
	}
	return resp
}

func buildViewResponse(v settlement.View) viewResponse {
	selected := make(map[domain.PairKey]bool, len(v.Selected))
	for _, k := range v.Selected {
		selected[k] = true
	}

	pairs := make([]pairResponse, len(v.Pairs))
	for i, p := range v.Pairs {
		pairs[i] = buildPairResponse(p, selected[p.Key()])
	}
	return viewResponse{
		Pairs:          pairs,
		Totals:         buildTotalsResponse(v.Totals),
		PageTotals:     buildTotalsResponse(v.PageTotals),
		Filter:         string(v.Filter),
		Page:           v.Page,
		PageSize:       v.PageSize,
		PageCount:      v.PageCount,
		Total:          v.Total,
		Selected:       pairIDs(v.Selected),
		RemainingBuys:  buildOrderResponses(v.RemainingBuys),
		RemainingSells: buildOrderResponses(v.RemainingSells),
	}
}

func buildBatchResponse(res settlement.BatchResult) batchResponse {
	failed := make([]pairFailureResponse, len(res.Failed))
	for i, f := range res.Failed {
		failed[i] = pairFailureResponse{PairID: f.Key.String(), Reason: f.Reason}
	}
	return batchResponse{
		SentCount:        res.SentCount,
		AlreadySentCount: res.AlreadySentCount,
		FailedCount:      res.FailedCount,
		Sent:             pairIDs(res.Sent),
		AlreadySent:      pairIDs(res.AlreadySent),
		Failed:           failed,
		InFlight:         pairIDs(res.InFlight),
		Unknown:          pairIDs(res.Unknown),
	}
}
