package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/fundex/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	pricingSvc *service.PricingService,
	settlementSvc *service.SettlementService,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(middleware.RequestID)
	r.Use(requestLogging(logger))
	r.Use(middleware.Recoverer)
	r.Use(contentTypeJSON)

	// Create handlers.
	pricingH := NewPricingHandler(pricingSvc)
	settlementH := NewSettlementHandler(settlementSvc)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Pricing routes.
	r.Get("/terms", pricingH.Terms)
	r.Post("/pricing/fee", pricingH.Fee)
	r.Post("/pricing/convert", pricingH.Convert)
	r.Post("/pricing/maturity", pricingH.Maturity)
	r.Post("/pricing/quote", pricingH.Quote)
	r.Post("/subscriptions/check", pricingH.Check)

	// Settlement routes.
	r.Post("/sessions", settlementH.Open)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", settlementH.Get)
		r.Delete("/", settlementH.Close)
		r.Post("/reload", settlementH.Reload)
		r.Get("/pairs", settlementH.Pairs)
		r.Post("/pairs/{pair_id}/resolve", settlementH.Resolve)
		r.Post("/selection", settlementH.Select)
		r.Delete("/selection", settlementH.ClearSelection)
		r.Delete("/selection/{pair_id}", settlementH.Deselect)
		r.Post("/send", settlementH.Send)
		r.Get("/warnings", settlementH.Warnings)
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests carrying a body. If the Content-Type header doesn't start
// with "application/json", it returns 400 Bad Request before the handler runs.
// Bodyless POSTs such as /reload and /send pass through.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
