package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/efreitasn/fundex/internal/domain"
)

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

var errInvalidJSON = errors.New("Request body must be valid JSON with Content-Type: application/json")

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return errInvalidJSON
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidJSON
	}

	return nil
}

// parseOptionalJSON is ParseJSON for endpoints whose body may be omitted.
// An empty body leaves v untouched.
func parseOptionalJSON(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidJSON
	}
	return nil
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, domain.ErrPairNotFound):
		WriteError(w, http.StatusNotFound, "pair_not_found", err.Error())
	case errors.Is(err, domain.ErrOutsideThreshold):
		WriteError(w, http.StatusConflict, "outside_threshold", err.Error())
	case errors.Is(err, domain.ErrAlreadySent):
		WriteError(w, http.StatusConflict, "already_sent", err.Error())
	case errors.Is(err, domain.ErrSubmissionInFlight):
		WriteError(w, http.StatusConflict, "submission_in_flight", err.Error())
	case errors.Is(err, domain.ErrSubmissionUnknown):
		WriteError(w, http.StatusConflict, "submission_unknown", err.Error())
	case errors.Is(err, domain.ErrUpstreamFailure):
		WriteError(w, http.StatusBadGateway, "upstream_failure", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// parsePairID parses a "buy:sell" pair id from a path or body.
func parsePairID(s string) (domain.PairKey, error) {
	key, err := domain.ParsePairKey(s)
	if err != nil {
		return domain.PairKey{}, &domain.ValidationError{Message: err.Error()}
	}
	return key, nil
}

func parsePairIDs(ids []string) ([]domain.PairKey, error) {
	keys := make([]domain.PairKey, 0, len(ids))
	for _, id := range ids {
		key, err := parsePairID(id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

const (
	timeLayout = "2006-01-02T15:04:05Z"
	dateLayout = "2006-01-02"
)

// parseDate parses an optional YYYY-MM-DD field. Empty input yields the
// zero time.
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Message: fmt.Sprintf("%s must be a date in YYYY-MM-DD format", field)}
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
