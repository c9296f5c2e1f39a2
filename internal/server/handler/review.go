package handler

import (
	"log/slog"
	"net/http"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ReviewHandler serves the admin review queue.
type ReviewHandler struct {
	reviews  domain.ReviewStore
	resolver Resolver
	logger   *slog.Logger
}

// NewReviewHandler creates a ReviewHandler.
func NewReviewHandler(reviews domain.ReviewStore, resolver Resolver, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{reviews: reviews, resolver: resolver, logger: logger}
}

// ListPending returns pending recommendations, highest priority first.
// GET /api/reviews
func (h *ReviewHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.reviews.ListPending(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]reviewView, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, toReviewView(rv))
	}
	writeJSON(w, http.StatusOK, out)
}

type confirmRequest struct {
	Outcome *domain.Outcome `json:"outcome"`
}

// Confirm accepts a recommendation, optionally with a corrected outcome, and
// finalizes the market.
// POST /api/reviews/{id}/confirm
func (h *ReviewHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	m, err := h.resolver.ConfirmReview(r.Context(), id, actor(r), req.Outcome)
	if err != nil {
		h.logger.WarnContext(r.Context(), "confirm review failed",
			slog.String("review_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m, h.resolver.Queued(m.ID)))
}

// Dismiss rejects a recommendation and leaves the market for manual resolution.
// POST /api/reviews/{id}/dismiss
func (h *ReviewHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	rv, err := h.resolver.DismissReview(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewView(rv))
}
