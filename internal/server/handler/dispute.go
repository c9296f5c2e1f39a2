package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/dispute"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// DisputeService is the dispute surface the HTTP layer drives.
// *dispute.Manager satisfies it.
type DisputeService interface {
	ValidateDisputeEligibility(ctx context.Context, userID, marketID string) (domain.Eligibility, error)
	OpenDispute(ctx context.Context, req dispute.OpenRequest) (domain.Dispute, error)
	ResolveDispute(ctx context.Context, req dispute.ResolveRequest) (domain.Dispute, error)
}

var _ DisputeService = (*dispute.Manager)(nil)

// SubmissionLimit throttles dispute filings per user. Limit <= 0 disables it.
type SubmissionLimit struct {
	Limiter domain.RateLimiter
	Limit   int
	Window  time.Duration
}

// DisputeHandler serves dispute commands.
type DisputeHandler struct {
	disputes DisputeService
	limit    SubmissionLimit
	logger   *slog.Logger
}

// NewDisputeHandler creates a DisputeHandler.
func NewDisputeHandler(disputes DisputeService, limit SubmissionLimit, logger *slog.Logger) *DisputeHandler {
	return &DisputeHandler{disputes: disputes, limit: limit, logger: logger}
}

// Eligibility reports whether a user may dispute a market and the bond it costs.
// GET /api/disputes/eligibility?user=&market=
func (h *DisputeHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, market := strings.TrimSpace(q.Get("user")), strings.TrimSpace(q.Get("market"))
	if user == "" || market == "" {
		writeError(w, http.StatusBadRequest, "user and market are required")
		return
	}

	e, err := h.disputes.ValidateDisputeEligibility(r.Context(), user, market)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibilityView{
		Eligible:     e.Eligible,
		Reason:       string(e.Reason),
		RequiredBond: e.RequiredBond,
		Available:    e.Available,
	})
}

type openDisputeRequest struct {
	UserID      string `json:"user_id"`
	MarketID    string `json:"market_id"`
	EvidenceRef string `json:"evidence_ref"`
	Reason      string `json:"reason"`
}

// Open files a dispute and locks the disputer's bond.
// POST /api/disputes
func (h *DisputeHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "user_id and market_id are required")
		return
	}

	if h.limit.Limiter != nil && h.limit.Limit > 0 {
		ok, err := h.limit.Limiter.Allow(r.Context(), "dispute:"+req.UserID, h.limit.Limit, h.limit.Window)
		if err != nil {
			h.logger.WarnContext(r.Context(), "dispute rate limit check failed",
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
		} else if !ok {
			writeDomainError(w, fmt.Errorf("dispute submissions for %s: %w", req.UserID, domain.ErrRateLimited))
			return
		}
	}

	d, err := h.disputes.OpenDispute(r.Context(), dispute.OpenRequest{
		UserID:      req.UserID,
		MarketID:    req.MarketID,
		EvidenceRef: req.EvidenceRef,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(d))
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
	Quality string `json:"quality"`
	Notes   string `json:"notes"`
}

// Resolve adjudicates a dispute and settles its bond.
// POST /api/disputes/{id}/resolve
func (h *DisputeHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseDisputeOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quality, err := domain.ParseEvidenceQuality(req.Quality)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.disputes.ResolveDispute(r.Context(), dispute.ResolveRequest{
		DisputeID:  r.PathValue("id"),
		Outcome:    outcome,
		Quality:    quality,
		Notes:      req.Notes,
		ResolvedBy: actor(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(d))
}
