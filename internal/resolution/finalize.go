package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// FinalRequest asks for a market's final outcome to be settled.
type FinalRequest struct {
	MarketID   string
	Outcome    domain.Outcome
	Confidence int
	ResolvedBy string
	// ReviewID marks the recommendation being confirmed, if any.
	ReviewID string
}

// FinalResolve settles the final outcome of a Disputable or PendingFinal
// market on the ledger and moves it to Resolved. Repeating a request that
// already succeeded returns the resolved market; asking for a different
// outcome afterwards fails with ErrDuplicateSettlementAttempt.
func (o *Orchestrator) FinalResolve(ctx context.Context, req FinalRequest) (domain.Market, error) {
	if !req.Outcome.Decided() {
		return domain.Market{}, fmt.Errorf("resolution: final %s: %w", req.MarketID, domain.ErrInvalidOutcome)
	}
	if req.Confidence < 0 || req.Confidence > 100 {
		return domain.Market{}, fmt.Errorf("resolution: final %s: %w", req.MarketID, domain.ErrInvalidConfidence)
	}
	key := fmt.Sprintf("final:%s:%s:%d", req.MarketID, req.Outcome, req.Confidence)
	v, err, _ := o.flight.Do(key, func() (any, error) {
		unlock, err := o.lockMarket(ctx, req.MarketID)
		if err != nil {
			return domain.Market{}, err
		}
		defer unlock()
		return o.final(ctx, req)
	})
	m, _ := v.(domain.Market)
	return m, err
}

func (o *Orchestrator) final(ctx context.Context, req FinalRequest) (domain.Market, error) {
	m, err := o.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution: get market %s: %w", req.MarketID, err)
	}
	switch m.Status {
	case domain.MarketStatusDisputable, domain.MarketStatusPendingFinal:
	case domain.MarketStatusResolved:
		if m.Resolution != nil && m.Resolution.FinalOutcome == req.Outcome {
			return m, nil
		}
		return m, o.duplicate(ctx, m, fmt.Sprintf("already resolved, refused %s", req.Outcome))
	case domain.MarketStatusCanceled:
		return m, fmt.Errorf("resolution: final %s: %w", m.ID, domain.ErrMarketCanceled)
	default:
		return m, fmt.Errorf("resolution: final %s: %w: market is %s", m.ID, domain.ErrInvalidTransition, m.Status)
	}

	att := RetryEntry{
		MarketID:   m.ID,
		Op:         OpFinal,
		Outcome:    req.Outcome,
		Confidence: req.Confidence,
		ResolvedBy: req.ResolvedBy,
		ReviewID:   req.ReviewID,
	}
	if !m.HasContract() {
		return m, o.fail(ctx, m, att, "", domain.ErrMissingSettlementTarget)
	}

	info, err := o.ledger.MarketInfo(ctx, m.ContractRef)
	if err != nil {
		return m, o.fail(ctx, m, att, "ledger", err)
	}
	switch info.Status {
	case domain.ContractFinalResolved:
		if info.Outcome != req.Outcome {
			return m, o.duplicate(ctx, m, fmt.Sprintf("chain is final with %s, refused %s", info.Outcome, req.Outcome))
		}
		// The previous attempt landed after its caller gave up.
		return o.commitFinal(ctx, m, req, domain.TxReceipt{}, "final.reconciled")
	case domain.ContractCanceled:
		o.escalate(ctx, m.ID, "settlement contract canceled during dispute period", AlertManualResolution)
		return m, fmt.Errorf("resolution: final %s: %w", m.ID, domain.ErrMarketCanceled)
	case domain.ContractOpen:
		o.escalate(ctx, m.ID, "settlement contract has no preliminary outcome", AlertManualResolution)
		return m, fmt.Errorf("resolution: final %s: %w: contract is open", m.ID, domain.ErrInvalidTransition)
	}

	rcpt, err := o.ledger.FinalResolve(ctx, m.ContractRef, req.Outcome, uint8(req.Confidence))
	if err != nil {
		return m, o.fail(ctx, m, att, req.ResolvedBy, err)
	}
	return o.commitFinal(ctx, m, req, rcpt, "final.resolved")
}

func (o *Orchestrator) commitFinal(ctx context.Context, m domain.Market, req FinalRequest, rcpt domain.TxReceipt, event string) (domain.Market, error) {
	now := o.clock.Now()
	rec := domain.ResolutionRecord{}
	if m.Resolution != nil {
		rec = *m.Resolution
	}
	rec.FinalOutcome = req.Outcome
	rec.FinalConfidence = req.Confidence
	rec.FinalTxRef = rcpt.TxRef
	rec.FinalTime = &now
	rec.ResolvedBy = req.ResolvedBy

	tr := domain.StatusTransition{
		MarketID:   m.ID,
		From:       m.Status,
		To:         domain.MarketStatusResolved,
		Resolution: &rec,
		Actor:      req.ResolvedBy,
		Reason:     "final resolution",
	}
	updated, err := o.markets.Transition(ctx, tr)
	if errors.Is(err, domain.ErrStatusConflict) && tr.From == domain.MarketStatusDisputable {
		// The dispute period may have ended while the ledger call was in
		// flight; that move does not conflict with this settlement.
		if cur, gerr := o.markets.GetByID(ctx, m.ID); gerr == nil && cur.Status == domain.MarketStatusPendingFinal {
			tr.From = cur.Status
			updated, err = o.markets.Transition(ctx, tr)
		}
	}
	if err != nil {
		att := RetryEntry{MarketID: m.ID, Op: OpFinal, Outcome: req.Outcome, Confidence: req.Confidence, ResolvedBy: req.ResolvedBy, ReviewID: req.ReviewID}
		return m, o.commitFailed(ctx, m, att, req.ResolvedBy, rcpt.TxRef, err)
	}
	o.retries.Remove(m.ID)

	flags := domain.FlagUpdate{
		ReadyForFinal:     domain.BoolPtr(false),
		NeedsReevaluation: domain.BoolPtr(false),
	}
	if updated.RequiresManualResolution {
		flags.RequiresManualResolution = domain.BoolPtr(false)
		flags.ManualReason = domain.StringPtr("")
	}
	if fm, err := o.markets.UpdateFlags(ctx, m.ID, flags); err == nil {
		updated = fm
	}
	o.closeReviews(ctx, m.ID, req.ReviewID, req.ResolvedBy)

	o.auditLog(ctx, event, map[string]any{
		"market_id":   m.ID,
		"outcome":     req.Outcome.String(),
		"confidence":  req.Confidence,
		"resolved_by": req.ResolvedBy,
		"tx_ref":      rcpt.TxRef,
	})
	o.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", m.ID),
		slog.String("outcome", req.Outcome.String()),
		slog.Int("confidence", req.Confidence),
		slog.String("resolved_by", req.ResolvedBy),
	)
	o.announceFinal(ctx, updated, rcpt.TxRef)
	return updated, nil
}

// MarkReadyForFinal moves a Disputable market whose dispute period has ended
// to PendingFinal and flags it ReadyForFinal. It does not wait for a market
// that is busy with a resolution step: that fails with ErrLockHeld and the
// caller tries again later. The bool reports whether the market moved.
func (o *Orchestrator) MarkReadyForFinal(ctx context.Context, marketID string) (domain.Market, bool, error) {
	unlock, err := o.tryLockMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, false, err
	}
	defer unlock()

	m, err := o.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, false, fmt.Errorf("resolution: get market %s: %w", marketID, err)
	}
	now := o.clock.Now()
	if m.Status != domain.MarketStatusDisputable || m.DisputePeriodEnd == nil || !now.After(*m.DisputePeriodEnd) {
		return m, false, nil
	}
	updated, err := o.markets.Transition(ctx, domain.StatusTransition{
		MarketID: m.ID,
		From:     domain.MarketStatusDisputable,
		To:       domain.MarketStatusPendingFinal,
		Actor:    "sweeper",
		Reason:   "dispute period ended",
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return m, false, nil
		}
		return m, false, fmt.Errorf("resolution: pending final %s: %w", m.ID, err)
	}
	flagged, err := o.markets.UpdateFlags(ctx, m.ID, domain.FlagUpdate{ReadyForFinal: domain.BoolPtr(true)})
	if err != nil {
		return updated, true, fmt.Errorf("resolution: mark ready %s: %w", m.ID, err)
	}
	return flagged, true, nil
}

// closeReviews settles every pending recommendation for a resolved market:
// the one being confirmed is marked confirmed, the rest dismissed.
func (o *Orchestrator) closeReviews(ctx context.Context, marketID, confirmedID, by string) {
	if o.reviews == nil {
		return
	}
	pending, err := o.reviews.PendingForMarket(ctx, marketID)
	if err != nil {
		o.logger.WarnContext(ctx, "list pending reviews", slog.String("market_id", marketID), slog.String("error", err.Error()))
		return
	}
	now := o.clock.Now()
	for _, r := range pending {
		status := domain.ReviewDismissed
		if r.ID == confirmedID {
			status = domain.ReviewConfirmed
		}
		if _, err := o.reviews.Decide(ctx, r.ID, status, by, now); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			o.logger.WarnContext(ctx, "close review", slog.String("review_id", r.ID), slog.String("error", err.Error()))
		}
	}
}

// announceFinal publishes the resolution and appends the settlement notice
// that bet settlement consumes.
func (o *Orchestrator) announceFinal(ctx context.Context, m domain.Market, txRef string) {
	if o.bus == nil || m.Resolution == nil {
		return
	}
	o.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventMarketResolved,
		MarketID: m.ID,
		Status:   string(m.Status),
		Data:     map[string]any{"outcome": m.Resolution.FinalOutcome.String()},
	})
	notice := domain.SettlementNotice{
		MarketID:   m.ID,
		Outcome:    m.Resolution.FinalOutcome,
		Confidence: m.Resolution.FinalConfidence,
		TxRef:      txRef,
		ResolvedAt: o.clock.Now(),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := o.bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
		o.logger.ErrorContext(ctx, "append settlement notice",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ProposeFinal asks the oracle for a final outcome and routes it by
// confidence: high confidence settles immediately, anything else becomes an
// admin review recommendation. A market that already has a pending
// recommendation is left alone.
func (o *Orchestrator) ProposeFinal(ctx context.Context, marketID string) (domain.RoutingDecision, error) {
	m, err := o.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("resolution: get market %s: %w", marketID, err)
	}
	if m.Status != domain.MarketStatusPendingFinal && m.Status != domain.MarketStatusDisputable {
		return domain.RoutingDecision{}, fmt.Errorf("resolution: propose %s: %w: market is %s", m.ID, domain.ErrInvalidTransition, m.Status)
	}
	if o.reviews != nil {
		pending, err := o.reviews.PendingForMarket(ctx, m.ID)
		if err != nil {
			return domain.RoutingDecision{}, fmt.Errorf("resolution: propose %s: %w", m.ID, err)
		}
		if len(pending) > 0 {
			r := pending[0]
			return domain.RoutingDecision{
				Action:     domain.RouteReview,
				Priority:   r.Priority,
				Confidence: r.Confidence,
				ReviewID:   r.ID,
			}, nil
		}
	}

	var prelim domain.Outcome
	if m.Resolution != nil {
		prelim = m.Resolution.PreliminaryOutcome
	}

	a, err := o.assess(ctx, m)
	if err != nil || !a.Outcome.Decided() {
		if err == nil {
			err = fmt.Errorf("oracle %s returned no outcome", a.Source)
		}
		o.logger.WarnContext(ctx, "oracle unavailable for final proposal, queueing high priority review",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		a = domain.OracleAssessment{
			Outcome:   prelim,
			Rationale: "oracle unavailable: " + err.Error(),
			Source:    "fallback",
		}
	}
	conf := a.ConfidencePercent()
	d := o.cfg.Route(conf)

	// Auto-finalization also requires agreement with the preliminary outcome
	// and no open challenges.
	if d.Action == domain.RouteAuto {
		blocked, why := o.autoBlocked(ctx, m, a.Outcome, prelim)
		if blocked {
			d.Action, d.Priority = domain.RouteReview, domain.PriorityMedium
			if a.Outcome != prelim {
				d.Priority = domain.PriorityHigh
			}
			a.Rationale = why + "; " + a.Rationale
		}
	}
	if !a.Outcome.Decided() {
		d.Action, d.Priority = domain.RouteReview, domain.PriorityHigh
	}

	if d.Action == domain.RouteAuto {
		_, err := o.FinalResolve(ctx, FinalRequest{
			MarketID:   m.ID,
			Outcome:    a.Outcome,
			Confidence: conf,
			ResolvedBy: "auto:" + a.Source,
		})
		return d, err
	}

	if o.reviews == nil {
		return d, fmt.Errorf("resolution: propose %s: no review store configured", m.ID)
	}
	rec := domain.ReviewRecommendation{
		ID:         uuid.NewString(),
		MarketID:   m.ID,
		Outcome:    a.Outcome,
		Confidence: conf,
		Priority:   d.Priority,
		Rationale:  a.Rationale,
		Source:     a.Source,
		Status:     domain.ReviewPending,
		CreatedAt:  o.clock.Now(),
	}
	if err := o.reviews.Create(ctx, rec); err != nil {
		return d, fmt.Errorf("resolution: create review for %s: %w", m.ID, err)
	}
	d.ReviewID = rec.ID

	o.auditLog(ctx, "review.created", map[string]any{
		"market_id":  m.ID,
		"review_id":  rec.ID,
		"priority":   string(rec.Priority),
		"confidence": conf,
		"outcome":    rec.Outcome.String(),
	})
	o.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventReviewCreated,
		MarketID: m.ID,
		Status:   string(m.Status),
		Data:     map[string]any{"review_id": rec.ID, "priority": string(rec.Priority)},
	})
	if rec.Priority == domain.PriorityHigh {
		o.alert(ctx, AlertReviewHigh, "High priority review",
			fmt.Sprintf("market %s: %s at %d%% confidence", m.ID, rec.Outcome, conf))
	}
	o.logger.InfoContext(ctx, "final outcome routed to admin review",
		slog.String("market_id", m.ID),
		slog.String("priority", string(rec.Priority)),
		slog.Int("confidence", conf),
	)
	return d, nil
}

func (o *Orchestrator) autoBlocked(ctx context.Context, m domain.Market, proposed, prelim domain.Outcome) (bool, string) {
	if !o.cfg.AutoFinalize {
		return true, "auto-finalization disabled"
	}
	if proposed != prelim {
		return true, fmt.Sprintf("oracle now says %s, preliminary was %s", proposed, prelim)
	}
	if m.NeedsReevaluation {
		return true, "upheld dispute requires re-evaluation"
	}
	if o.disputes != nil {
		ds, err := o.disputes.ListByMarket(ctx, m.ID)
		if err != nil {
			return true, "could not check disputes"
		}
		for _, d := range ds {
			if d.Status == domain.DisputeActive {
				return true, "active disputes remain"
			}
		}
	}
	return false, ""
}

// PlanFinalizations proposes a final outcome for every market the sweeper
// marked ready. Markets waiting on manual resolution are skipped.
func (o *Orchestrator) PlanFinalizations(ctx context.Context) error {
	markets, err := o.markets.ListByStatus(ctx, []domain.MarketStatus{domain.MarketStatusPendingFinal}, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("resolution: list pending final: %w", err)
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.ReadyForFinal || m.RequiresManualResolution || o.retries.Has(m.ID) {
			continue
		}
		if _, err := o.ProposeFinal(ctx, m.ID); err != nil {
			o.logger.WarnContext(ctx, "propose final outcome",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ConfirmReview executes a pending recommendation. outcome, when set,
// replaces the recommended outcome.
func (o *Orchestrator) ConfirmReview(ctx context.Context, reviewID, admin string, outcome *domain.Outcome) (domain.Market, error) {
	if admin == "" {
		return domain.Market{}, fmt.Errorf("resolution: confirm review %s: admin is required", reviewID)
	}
	r, err := o.reviews.GetByID(ctx, reviewID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution: get review %s: %w", reviewID, err)
	}
	if r.Status != domain.ReviewPending {
		return domain.Market{}, fmt.Errorf("resolution: confirm review %s: %w: review is %s", reviewID, domain.ErrStatusConflict, r.Status)
	}
	final := r.Outcome
	if outcome != nil {
		final = *outcome
	}
	return o.FinalResolve(ctx, FinalRequest{
		MarketID:   r.MarketID,
		Outcome:    final,
		Confidence: r.Confidence,
		ResolvedBy: admin,
		ReviewID:   r.ID,
	})
}

// DismissReview rejects a pending recommendation. The market stays in
// PendingFinal, flagged for manual resolution, until an admin settles it.
func (o *Orchestrator) DismissReview(ctx context.Context, reviewID, admin string) (domain.ReviewRecommendation, error) {
	if admin == "" {
		return domain.ReviewRecommendation{}, fmt.Errorf("resolution: dismiss review %s: admin is required", reviewID)
	}
	r, err := o.reviews.Decide(ctx, reviewID, domain.ReviewDismissed, admin, o.clock.Now())
	if err != nil {
		return r, fmt.Errorf("resolution: dismiss review %s: %w", reviewID, err)
	}
	if _, err := o.markets.UpdateFlags(ctx, r.MarketID, domain.FlagUpdate{
		ReadyForFinal:            domain.BoolPtr(false),
		RequiresManualResolution: domain.BoolPtr(true),
		ManualReason:             domain.StringPtr("review dismissed by " + admin),
	}); err != nil {
		return r, fmt.Errorf("resolution: dismiss review %s: flag market: %w", reviewID, err)
	}
	o.auditLog(ctx, "review.dismissed", map[string]any{
		"review_id": r.ID,
		"market_id": r.MarketID,
		"admin":     admin,
	})
	return r, nil
}
