package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/backtester/internal/domain"
)

const defaultPageLimit = 20

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes an {error, message} body with the given status code.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON strictly decodes a single JSON object from the request body
// into v. Unknown fields and trailing data are rejected.
func ParseJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	if dec.More() {
		return errors.New("invalid request body: unexpected data after JSON object")
	}
	return nil
}

// money is a decimal written as a bare JSON number with all of its digits.
type money decimal.Decimal

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).String()), nil
}

// optionalMoney is nil for zero so the field can be omitted.
func optionalMoney(d decimal.Decimal) *money {
	if d.IsZero() {
		return nil
	}
	m := money(d)
	return &m
}

// pageInfo is embedded in every paginated list response.
type pageInfo struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// parsePagination reads the page and limit query params. It writes a 400
// and returns ok=false when either is not an integer. Range checks are
// left to the service.
func parsePagination(w http.ResponseWriter, r *http.Request) (pageInfo, bool) {
	p := pageInfo{Page: 1, Limit: defaultPageLimit}
	for _, q := range []struct {
		name string
		dst  *int
	}{
		{"page", &p.Page},
		{"limit", &p.Limit},
	} {
		raw := r.URL.Query().Get(q.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", q.name+" must be a valid integer")
			return pageInfo{}, false
		}
		*q.dst = v
	}
	return p, true
}

// serviceErrors maps sentinel errors to a status. The sentinel's text is
// the error code; message overrides the wrapped error text when set.
var serviceErrors = []struct {
	err     error
	status  int
	message string
}{
	{domain.ErrRunNotFound, http.StatusNotFound, "Run not found"},
	{domain.ErrUnknownSlippageModel, http.StatusBadRequest, ""},
	{domain.ErrUnknownCostStructure, http.StatusBadRequest, ""},
	{domain.ErrUnknownStrategy, http.StatusBadRequest, ""},
	{domain.ErrUnknownSource, http.StatusBadRequest, ""},
}

// writeServiceError maps an error returned by the backtest service to an
// HTTP response. Unrecognised errors become a 500 without details.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	for _, se := range serviceErrors {
		if !errors.Is(err, se.err) {
			continue
		}
		msg := se.message
		if msg == "" {
			msg = err.Error()
		}
		WriteError(w, se.status, se.err.Error(), msg)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
