package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/resolution"
)

// Resolver is the resolution surface the HTTP layer drives.
// *resolution.Orchestrator satisfies it.
type Resolver interface {
	PreliminaryResolve(ctx context.Context, marketID string, override *domain.Outcome) (domain.Market, error)
	FinalResolve(ctx context.Context, req resolution.FinalRequest) (domain.Market, error)
	AdminOverride(ctx context.Context, marketID string, to domain.MarketStatus, actor, reason string) (domain.Market, error)
	ConfirmReview(ctx context.Context, reviewID, admin string, outcome *domain.Outcome) (domain.Market, error)
	DismissReview(ctx context.Context, reviewID, admin string) (domain.ReviewRecommendation, error)
	Queued(marketID string) bool
}

var _ Resolver = (*resolution.Orchestrator)(nil)

// MarketHandler serves market reads and resolution commands.
type MarketHandler struct {
	markets  domain.MarketStore
	disputes domain.DisputeStore
	resolver Resolver
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets domain.MarketStore, disputes domain.DisputeStore, resolver Resolver, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, disputes: disputes, resolver: resolver, logger: logger}
}

var allStatuses = []domain.MarketStatus{
	domain.MarketStatusActive,
	domain.MarketStatusDisputable,
	domain.MarketStatusPendingFinal,
	domain.MarketStatusResolved,
	domain.MarketStatusCanceled,
}

// ListMarkets returns markets filtered by a comma-separated ?status= list.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	statuses := allStatuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = nil
		for _, part := range strings.Split(raw, ",") {
			st, err := domain.ParseMarketStatus(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	markets, err := h.markets.ListByStatus(r.Context(), statuses, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketView(m, h.resolver.Queued(m.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket returns one market with its resolution record.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.markets.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m, h.resolver.Queued(id)))
}

// GetEvents returns a market's status history, oldest first.
// GET /api/markets/{id}/events
func (h *MarketHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.markets.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			From:      string(e.From),
			To:        string(e.To),
			Actor:     e.Actor,
			Reason:    e.Reason,
			Override:  e.Override,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDisputes lists every dispute filed against a market.
// GET /api/markets/{id}/disputes
func (h *MarketHandler) GetDisputes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.markets.GetByID(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	disputes, err := h.disputes.ListByMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]disputeView, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, toDisputeView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

type preliminaryRequest struct {
	Outcome *domain.Outcome `json:"outcome"`
}

// Preliminary runs the preliminary resolution. An optional body outcome
// replaces the oracle.
// POST /api/markets/{id}/preliminary
func (h *MarketHandler) Preliminary(w http.ResponseWriter, r *http.Request) {
	var req preliminaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Outcome != nil && !req.Outcome.Decided() {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidOutcome.Error())
		return
	}

	id := r.PathValue("id")
	m, err := h.resolver.PreliminaryResolve(r.Context(), id, req.Outcome)
	if err != nil {
		h.logger.WarnContext(r.Context(), "preliminary resolve failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m, h.resolver.Queued(id)))
}

type finalRequest struct {
	Outcome    domain.Outcome `json:"outcome"`
	Confidence int            `json:"confidence"`
}

// Final settles a market's final outcome.
// POST /api/markets/{id}/final
func (h *MarketHandler) Final(w http.ResponseWriter, r *http.Request) {
	var req finalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	m, err := h.resolver.FinalResolve(r.Context(), resolution.FinalRequest{
		MarketID:   id,
		Outcome:    req.Outcome,
		Confidence: req.Confidence,
		ResolvedBy: actor(r),
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "final resolve failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m, h.resolver.Queued(id)))
}

type overrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Override forces a market into any status and records the reason.
// POST /api/markets/{id}/override
func (h *MarketHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := domain.ParseMarketStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	id := r.PathValue("id")
	m, err := h.resolver.AdminOverride(r.Context(), id, to, actor(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m, h.resolver.Queued(id)))
}
