package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/models"
)

// ErrorResponse is the standard error format for REST API responses.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// WriteErrorWithCode writes a JSON error response with an error code.
func WriteErrorWithCode(w http.ResponseWriter, statusCode int, message, code string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// ledgerStatus maps ledger error codes to HTTP status.
var ledgerStatus = map[models.ErrorCode]int{
	models.CodeInvalidInput:         http.StatusBadRequest,
	models.CodeAlreadyHeld:          http.StatusConflict,
	models.CodeInsufficientFunds:    http.StatusUnprocessableEntity,
	models.CodeInsufficientHoldings: http.StatusUnprocessableEntity,
	models.CodeStorageFailure:       http.StatusServiceUnavailable,
}

// WriteLedgerError writes err using the ledger error taxonomy. The message
// never includes the underlying storage cause. Anything that is not a
// LedgerError is reported as a bare 500.
func WriteLedgerError(w http.ResponseWriter, err error) {
	var le *models.LedgerError
	if !errors.As(err, &le) {
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status, ok := ledgerStatus[le.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if le.Retryable() {
		w.Header().Set("Retry-After", "1")
	}

	msg := le.Message
	if msg == "" {
		msg = string(le.Code)
	}
	WriteJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      string(le.Code),
		Required:  le.Required,
		Available: le.Available,
		Retryable: le.Retryable(),
	})
}

// RequireMethod validates the HTTP method and returns true if it matches.
// If it doesn't match, it writes a 405 response and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// DecodeJSON reads and decodes JSON from the request body into v.
// Returns false and writes a 400 error if decoding fails.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		WriteErrorWithCode(w, http.StatusBadRequest, "Request body is required", string(models.CodeInvalidInput))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, "Invalid JSON: "+err.Error(), string(models.CodeInvalidInput))
		return false
	}
	return true
}

// QueryInt parses a non-negative integer query parameter. An absent
// parameter returns def; a malformed one returns ok=false.
func QueryInt(r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
