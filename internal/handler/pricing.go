package handler

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/fundex/internal/domain"
	"github.com/efreitasn/fundex/internal/service"
)

// PricingHandler handles HTTP requests for pricing endpoints.
type PricingHandler struct {
	pricingSvc *service.PricingService
}

// NewPricingHandler creates a new PricingHandler.
func NewPricingHandler(pricingSvc *service.PricingService) *PricingHandler {
	return &PricingHandler{pricingSvc: pricingSvc}
}

type feeRequest struct {
	Amount int64 `json:"amount"`
}

type feeResponse struct {
	Amount      int64 `json:"amount"`
	PurchaseFee int64 `json:"purchase_fee"`
}

type convertRequest struct {
	Amount   *int64           `json:"amount"`
	Units    *decimal.Decimal `json:"units"`
	NAVPrice int64            `json:"nav_price"`
}

type convertResponse struct {
	Amount      int64           `json:"amount"`
	Units       decimal.Decimal `json:"units"`
	PurchaseFee int64           `json:"purchase_fee"`
}

// priceRequest is the JSON request body shared by the maturity, quote and
// check endpoints. Units accept a JSON number or string.
type priceRequest struct {
	Units       decimal.Decimal  `json:"units"`
	NAVPrice    int64            `json:"nav_price"`
	TermMonths  int              `json:"term_months"`
	RatePercent *decimal.Decimal `json:"rate_percent"`
	PurchaseFee *int64           `json:"purchase_fee"`
	AsOf        string           `json:"as_of"`
	Override    bool             `json:"override"`
}

type termResponse struct {
	TermMonths  int             `json:"term_months"`
	RatePercent decimal.Decimal `json:"rate_percent"`
}

type termsResponse struct {
	Terms     []termResponse `json:"terms"`
	Threshold bandResponse   `json:"threshold"`
}

type bandResponse struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

type pricingResponse struct {
	TermMonths           int             `json:"term_months"`
	NominalRatePercent   decimal.Decimal `json:"nominal_rate_percent"`
	PurchaseFee          int64           `json:"purchase_fee"`
	AsOf                 string          `json:"as_of"`
	MaturityDate         *string         `json:"maturity_date"`
	DaysToMaturity       int             `json:"days_to_maturity"`
	PurchaseValue        decimal.Decimal `json:"purchase_value"`
	GrossMaturityValue   string          `json:"gross_maturity_value"`
	SalePriceRaw         int64           `json:"sale_price_raw"`
	SalePriceRounded     int64           `json:"sale_price"`
	ImpliedRatePercent   string          `json:"implied_rate_percent"`
	RateDeviationPercent string          `json:"rate_deviation_percent"`
	WithinThreshold      bool            `json:"within_threshold"`
}

type quoteResponse struct {
	AsOf   string            `json:"as_of"`
	Quotes []pricingResponse `json:"quotes"`
}

type checkResponse struct {
	Allowed    bool            `json:"allowed"`
	Overridden bool            `json:"overridden"`
	Pricing    pricingResponse `json:"pricing"`
}

// blockedResponse is the 409 body of a subscription outside the band. It
// keeps the standard error fields and adds the pricing that caused it.
type blockedResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Pricing pricingResponse `json:"pricing"`
}

// Terms handles GET /terms.
func (h *PricingHandler) Terms(w http.ResponseWriter, r *http.Request) {
	rates := h.pricingSvc.Terms()
	resp := termsResponse{
		Terms: make([]termResponse, len(rates)),
		Threshold: bandResponse{
			Min: h.pricingSvc.Band().Min,
			Max: h.pricingSvc.Band().Max,
		},
	}
	for i, t := range rates {
		resp.Terms[i] = termResponse{TermMonths: t.TermMonths, RatePercent: t.RatePercent}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Fee handles POST /pricing/fee.
func (h *PricingHandler) Fee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	fee, err := h.pricingSvc.Fee(req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, feeResponse{Amount: req.Amount, PurchaseFee: fee})
}

// Convert handles POST /pricing/convert.
func (h *PricingHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Units != nil {
		if _, err := domain.ParseUnits(req.Units.String()); err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}

	res, err := h.pricingSvc.Convert(service.ConvertRequest{
		Amount:   req.Amount,
		Units:    req.Units,
		NAVPrice: req.NAVPrice,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, convertResponse{
		Amount:      res.Amount,
		Units:       res.Units,
		PurchaseFee: res.PurchaseFee,
	})
}

// Maturity handles POST /pricing/maturity.
func (h *PricingHandler) Maturity(w http.ResponseWriter, r *http.Request) {
	req, ok := parsePriceRequest(w, r)
	if !ok {
		return
	}

	res, err := h.pricingSvc.Price(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPricingResponse(res))
}

// Quote handles POST /pricing/quote.
func (h *PricingHandler) Quote(w http.ResponseWriter, r *http.Request) {
	req, ok := parsePriceRequest(w, r)
	if !ok {
		return
	}

	quotes, err := h.pricingSvc.Quote(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := quoteResponse{Quotes: make([]pricingResponse, len(quotes))}
	for i, q := range quotes {
		resp.AsOf = q.AsOf.Format(dateLayout)
		resp.Quotes[i] = buildPricingResponse(q)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Check handles POST /subscriptions/check.
func (h *PricingHandler) Check(w http.ResponseWriter, r *http.Request) {
	var body priceRequest
	if err := ParseJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := body.toService()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.pricingSvc.Check(req, body.Override)
	if errors.Is(err, domain.ErrOutsideThreshold) {
		WriteJSON(w, http.StatusConflict, blockedResponse{
			Error:   "outside_threshold",
			Message: "Implied return deviates from the nominal rate by more than the accepted band",
			Pricing: buildPricingResponse(res),
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, checkResponse{
		Allowed:    true,
		Overridden: !res.Result.WithinThreshold,
		Pricing:    buildPricingResponse(res),
	})
}

func parsePriceRequest(w http.ResponseWriter, r *http.Request) (service.PriceRequest, bool) {
	var body priceRequest
	if err := ParseJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return service.PriceRequest{}, false
	}
	if body.Override {
		WriteError(w, http.StatusBadRequest, "validation_error", "override is only accepted by /subscriptions/check")
		return service.PriceRequest{}, false
	}
	req, err := body.toService()
	if err != nil {
		writeServiceError(w, err)
		return service.PriceRequest{}, false
	}
	return req, true
}

func (b priceRequest) toService() (service.PriceRequest, error) {
	if _, err := domain.ParseUnits(b.Units.String()); err != nil {
		return service.PriceRequest{}, &domain.ValidationError{Message: err.Error()}
	}
	asOf, err := parseDate("as_of", b.AsOf)
	if err != nil {
		return service.PriceRequest{}, err
	}
	return service.PriceRequest{
		Units:       b.Units,
		NAVPrice:    b.NAVPrice,
		TermMonths:  b.TermMonths,
		RatePercent: b.RatePercent,
		PurchaseFee: b.PurchaseFee,
		AsOf:        asOf,
	}, nil
}

func buildPricingResponse(res service.PriceResult) pricingResponse {
	resp := pricingResponse{
		TermMonths:           res.Request.TermMonths,
		NominalRatePercent:   res.Request.NominalRatePercent,
		PurchaseFee:          res.Request.PurchaseFee,
		AsOf:                 res.AsOf.Format(dateLayout),
		DaysToMaturity:       res.Result.DaysToMaturity,
		PurchaseValue:        res.Result.PurchaseValue,
		GrossMaturityValue:   res.Result.GrossMaturityValue.StringFixed(2),
		SalePriceRaw:         res.Result.SalePriceRaw,
		SalePriceRounded:     res.Result.SalePriceRounded,
		ImpliedRatePercent:   res.Result.ImpliedRatePercent.StringFixed(4),
		RateDeviationPercent: res.Result.RateDeviationPercent.StringFixed(4),
		WithinThreshold:      res.Result.WithinThreshold,
	}
	if !res.Result.MaturityDate.IsZero() {
		d := res.Result.MaturityDate.Format(dateLayout)
		resp.MaturityDate = &d
	}
	return resp
}
