package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// maxBodyBytes caps request bodies; every payload here is a small JSON object.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps lifecycle errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var rej *domain.RejectionError
	if errors.As(err, &rej) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"reason": string(rej.Reason),
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOutcome),
		errors.Is(err, domain.ErrInvalidConfidence),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrMissingSettlementTarget):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrClaimWindowOpen),
		errors.Is(err, domain.ErrMarketCanceled),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrDuplicateSettlementAttempt),
		errors.Is(err, domain.ErrDisputeAlreadyResolved),
		errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrLedgerReverted):
		status = http.StatusBadGateway
	case domain.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// actor names the caller of an admin action from the X-Actor header.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "admin"
}
