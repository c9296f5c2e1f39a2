// Package resolution drives markets through the two-stage settlement
// protocol: a preliminary outcome once the claim window closes, then a final
// outcome after the dispute window, routed by oracle confidence.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/keylock"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Alerter delivers operator notifications. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event names passed to the Alerter.
const (
	AlertManualResolution    = "manual_resolution"
	AlertLedgerReverted      = "ledger_reverted"
	AlertDuplicateSettlement = "duplicate_settlement"
	AlertReviewHigh          = "review_high"
)

// Deps are the collaborators an Orchestrator needs. Evidence, Locks, Bus,
// Alerter and Disputes are optional.
type Deps struct {
	Markets  domain.MarketStore
	Reviews  domain.ReviewStore
	Disputes domain.DisputeStore
	Audit    domain.AuditStore
	Ledger   domain.SettlementLedger
	Oracle   domain.ConfidenceOracle
	Evidence domain.EvidenceSource
	Locks    domain.LockManager
	Bus      domain.SignalBus
	Alerter  Alerter
	Clock    scheduler.Clock
}

// Orchestrator executes preliminary and final resolution. All work on one
// market is serialized: identical concurrent requests share a single
// execution, and different requests for the same market queue on a per-market
// lock (plus the distributed lock when one is configured).
type Orchestrator struct {
	markets  domain.MarketStore
	reviews  domain.ReviewStore
	disputes domain.DisputeStore
	audit    domain.AuditStore
	ledger   domain.SettlementLedger
	oracle   domain.ConfidenceOracle
	evidence domain.EvidenceSource
	locks    domain.LockManager
	bus      domain.SignalBus
	alerter  Alerter
	clock    scheduler.Clock

	cfg     Config
	retries *RetryQueue
	local   *keylock.Map
	flight  singleflight.Group
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.fillDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Orchestrator{
		markets:  deps.Markets,
		reviews:  deps.Reviews,
		disputes: deps.Disputes,
		audit:    deps.Audit,
		ledger:   deps.Ledger,
		oracle:   deps.Oracle,
		evidence: deps.Evidence,
		locks:    deps.Locks,
		bus:      deps.Bus,
		alerter:  deps.Alerter,
		clock:    clock,
		cfg:      cfg,
		retries:  NewRetryQueue(cfg.MaxRetries, cfg.RetryBackoff, cfg.RetryMaxBackoff, clock),
		local:    keylock.New(),
		logger:   logger.With(slog.String("component", "resolution")),
	}
}

// Config returns the active protocol configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Retries exposes the retry queue for status reporting.
func (o *Orchestrator) Retries() *RetryQueue { return o.retries }

// Queued reports whether marketID is waiting in the retry queue.
func (o *Orchestrator) Queued(marketID string) bool { return o.retries.Has(marketID) }

// Route applies the configured confidence routing table.
func (o *Orchestrator) Route(confidence int) domain.RoutingDecision {
	return o.cfg.Route(confidence)
}

// PreliminaryResolve submits the preliminary outcome for an Active market
// whose claim window has closed and moves it to Disputable. When override is
// nil the outcome comes from the confidence oracle. Calling it for a market
// that has already left Active returns the stored market unchanged.
func (o *Orchestrator) PreliminaryResolve(ctx context.Context, marketID string, override *domain.Outcome) (domain.Market, error) {
	key := "preliminary:" + marketID
	if override != nil {
		if !override.Decided() {
			return domain.Market{}, fmt.Errorf("resolution: preliminary %s: %w", marketID, domain.ErrInvalidOutcome)
		}
		key += ":" + override.String()
	}
	v, err, _ := o.flight.Do(key, func() (any, error) {
		unlock, err := o.lockMarket(ctx, marketID)
		if err != nil {
			return domain.Market{}, err
		}
		defer unlock()
		return o.preliminary(ctx, marketID, override)
	})
	m, _ := v.(domain.Market)
	return m, err
}

func (o *Orchestrator) preliminary(ctx context.Context, marketID string, override *domain.Outcome) (domain.Market, error) {
	m, err := o.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution: get market %s: %w", marketID, err)
	}
	switch m.Status {
	case domain.MarketStatusActive:
	case domain.MarketStatusCanceled:
		return m, fmt.Errorf("resolution: preliminary %s: %w", m.ID, domain.ErrMarketCanceled)
	default:
		return m, nil
	}

	att := RetryEntry{MarketID: m.ID, Op: OpPreliminary}
	if override != nil {
		att.Outcome = *override
	}
	if !m.HasContract() {
		return m, o.fail(ctx, m, att, "", domain.ErrMissingSettlementTarget)
	}
	now := o.clock.Now()
	if now.Before(m.ClaimCloseTime) {
		return m, fmt.Errorf("resolution: preliminary %s: %w", m.ID, domain.ErrClaimWindowOpen)
	}

	info, err := o.ledger.MarketInfo(ctx, m.ContractRef)
	if err != nil {
		return m, o.fail(ctx, m, att, "ledger", err)
	}
	if info.Status == domain.ContractCanceled {
		return o.cancelFromChain(ctx, m)
	}
	// The dispute window is computed from this value.
	if info.CloseTime.IsZero() {
		return m, o.fail(ctx, m, att, "ledger",
			fmt.Errorf("contract %s reports no close time: %w", m.ContractRef, domain.ErrLedgerUnavailable))
	}
	if info.Status == domain.ContractPreliminaryResolved || info.Status == domain.ContractFinalResolved {
		return o.reconcile(ctx, m, info)
	}
	if now.Before(info.CloseTime) {
		return m, fmt.Errorf("resolution: preliminary %s: contract closes %s: %w",
			m.ID, info.CloseTime.Format(time.RFC3339), domain.ErrClaimWindowOpen)
	}

	rec := &domain.ResolutionRecord{}
	source := "human"
	if override != nil {
		rec.PreliminaryOutcome = *override
		rec.PreliminarySource = source
		rec.PreliminaryConfidence = 100
		rec.Rationale = "manual preliminary outcome"
	} else {
		a, err := o.assess(ctx, m)
		if err != nil {
			return m, o.fail(ctx, m, att, "oracle", err)
		}
		if !a.Outcome.Decided() {
			return m, o.fail(ctx, m, att, "oracle",
				fmt.Errorf("oracle %s returned no outcome: %w", a.Source, domain.ErrOracleUnavailable))
		}
		source = a.Source
		rec.PreliminaryOutcome = a.Outcome
		rec.PreliminarySource = a.Source
		rec.PreliminaryConfidence = a.ConfidencePercent()
		rec.Rationale = a.Rationale
	}

	rcpt, err := o.ledger.PreliminaryResolve(ctx, m.ContractRef, rec.PreliminaryOutcome)
	if err != nil {
		return m, o.fail(ctx, m, att, source, err)
	}
	rec.PreliminaryTxRef = rcpt.TxRef
	rec.PreliminaryTime = &now

	// The window is anchored to the contract's close time, not to when
	// resolution happened to run.
	end := domain.DisputePeriodEndFor(info.CloseTime, o.cfg.DisputeWindow)
	updated, err := o.markets.Transition(ctx, domain.StatusTransition{
		MarketID:         m.ID,
		From:             domain.MarketStatusActive,
		To:               domain.MarketStatusDisputable,
		DisputePeriodEnd: &end,
		Resolution:       rec,
		Actor:            source,
		Reason:           "preliminary resolution",
	})
	if err != nil {
		return m, o.commitFailed(ctx, m, att, source, rcpt.TxRef, err)
	}
	o.retries.Remove(m.ID)
	updated = o.clearManual(ctx, updated)

	o.auditLog(ctx, "preliminary.resolved", map[string]any{
		"market_id":          m.ID,
		"outcome":            rec.PreliminaryOutcome.String(),
		"source":             source,
		"confidence":         rec.PreliminaryConfidence,
		"tx_ref":             rcpt.TxRef,
		"dispute_period_end": end,
	})
	o.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventMarketDisputable,
		MarketID: m.ID,
		Status:   string(updated.Status),
		Data:     map[string]any{"outcome": rec.PreliminaryOutcome.String(), "dispute_period_end": end},
	})
	o.logger.InfoContext(ctx, "preliminary resolution submitted",
		slog.String("market_id", m.ID),
		slog.String("outcome", rec.PreliminaryOutcome.String()),
		slog.String("source", source),
		slog.String("tx_ref", rcpt.TxRef),
	)
	return updated, nil
}

// reconcile adopts an outcome the chain already holds for a market the store
// still shows as Active. This covers transactions that landed after the
// caller timed out.
func (o *Orchestrator) reconcile(ctx context.Context, m domain.Market, info domain.ContractMarketInfo) (domain.Market, error) {
	now := o.clock.Now()
	end := domain.DisputePeriodEndFor(info.CloseTime, o.cfg.DisputeWindow)
	rec := &domain.ResolutionRecord{
		PreliminaryOutcome: info.Outcome,
		PreliminaryTime:    &now,
		PreliminarySource:  "chain",
		Rationale:          "reconciled from settlement contract",
	}
	to := domain.MarketStatusDisputable
	if info.Status == domain.ContractFinalResolved {
		to = domain.MarketStatusResolved
		rec.FinalOutcome = info.Outcome
		rec.FinalTime = &now
		rec.ResolvedBy = "chain"
	}
	updated, err := o.markets.Transition(ctx, domain.StatusTransition{
		MarketID:         m.ID,
		From:             m.Status,
		To:               to,
		DisputePeriodEnd: &end,
		Resolution:       rec,
		Actor:            "chain",
		Reason:           "reconciled with on-chain " + info.Status.String(),
	})
	if err != nil {
		return m, fmt.Errorf("resolution: reconcile %s: %w", m.ID, err)
	}
	o.retries.Remove(m.ID)
	updated = o.clearManual(ctx, updated)

	o.auditLog(ctx, "preliminary.reconciled", map[string]any{
		"market_id":       m.ID,
		"outcome":         info.Outcome.String(),
		"contract_status": info.Status.String(),
	})
	o.logger.WarnContext(ctx, "reconciled market with on-chain state",
		slog.String("market_id", m.ID),
		slog.String("contract_status", info.Status.String()),
		slog.String("outcome", info.Outcome.String()),
	)
	if to == domain.MarketStatusResolved {
		o.announceFinal(ctx, updated, "")
	} else {
		o.publish(ctx, domain.LifecycleEvent{
			Type:     domain.EventMarketDisputable,
			MarketID: m.ID,
			Status:   string(updated.Status),
			Data:     map[string]any{"outcome": info.Outcome.String(), "dispute_period_end": end},
		})
	}
	return updated, nil
}

func (o *Orchestrator) cancelFromChain(ctx context.Context, m domain.Market) (domain.Market, error) {
	updated, err := o.markets.Transition(ctx, domain.StatusTransition{
		MarketID: m.ID,
		From:     m.Status,
		To:       domain.MarketStatusCanceled,
		Actor:    "chain",
		Reason:   "settlement contract canceled",
	})
	if err != nil {
		return m, fmt.Errorf("resolution: cancel %s: %w", m.ID, err)
	}
	o.retries.Remove(m.ID)
	o.auditLog(ctx, "market.canceled", map[string]any{"market_id": m.ID, "source": "chain"})
	return updated, fmt.Errorf("resolution: %s: %w", m.ID, domain.ErrMarketCanceled)
}

// fail records a failed attempt. Transient failures enter the retry queue and
// escalate to manual resolution once retries are exhausted. Reverted calls
// escalate immediately.
func (o *Orchestrator) fail(ctx context.Context, m domain.Market, att RetryEntry, source string, cause error) error {
	tag := domain.FailureTag(cause)
	o.auditLog(ctx, string(att.Op)+".failed", map[string]any{
		"market_id": m.ID,
		"reason":    tag,
		"error":     cause.Error(),
		"source":    source,
	})
	o.logger.WarnContext(ctx, "resolution attempt failed",
		slog.String("market_id", m.ID),
		slog.String("op", string(att.Op)),
		slog.String("reason", tag),
		slog.String("error", cause.Error()),
	)

	switch {
	case errors.Is(cause, domain.ErrLedgerReverted):
		o.retries.Remove(m.ID)
		o.escalate(ctx, m.ID, "ledger call reverted: "+cause.Error(), AlertLedgerReverted)
	case domain.IsTransient(cause):
		entry, exhausted := o.retries.RecordFailure(att, source, cause)
		if exhausted {
			o.escalate(ctx, m.ID,
				fmt.Sprintf("%s failed %d consecutive times: %s", att.Op, entry.RetryCount, tag),
				AlertManualResolution)
		}
	}
	return fmt.Errorf("resolution: %s %s: %w", att.Op, m.ID, cause)
}

// commitFailed handles a store error after the ledger accepted a call. A lost
// compare-and-swap means someone else settled the market concurrently. Any
// other store error is retried, and the retry reconciles against the chain.
func (o *Orchestrator) commitFailed(ctx context.Context, m domain.Market, att RetryEntry, source, txRef string, err error) error {
	if errors.Is(err, domain.ErrStatusConflict) {
		return o.duplicate(ctx, m, fmt.Sprintf("%s tx %s landed but market changed concurrently", att.Op, txRef))
	}
	o.logger.ErrorContext(ctx, "ledger call succeeded but store update failed",
		slog.String("market_id", m.ID),
		slog.String("tx_ref", txRef),
		slog.String("error", err.Error()),
	)
	att.TxRef = txRef
	entry, exhausted := o.retries.RecordFailure(att, source, err)
	if exhausted {
		o.escalate(ctx, m.ID,
			fmt.Sprintf("%s tx %s landed but the store update failed %d times: %s", att.Op, entry.TxRef, entry.RetryCount, err),
			AlertManualResolution)
	}
	return fmt.Errorf("resolution: %s %s: store: %w", att.Op, m.ID, err)
}

// duplicate reports a settlement attempt that conflicts with one already made.
func (o *Orchestrator) duplicate(ctx context.Context, m domain.Market, detail string) error {
	o.auditLog(ctx, "settlement.duplicate", map[string]any{
		"market_id": m.ID,
		"status":    string(m.Status),
		"detail":    detail,
	})
	o.logger.ErrorContext(ctx, "duplicate settlement attempt",
		slog.String("market_id", m.ID),
		slog.String("detail", detail),
	)
	o.alert(ctx, AlertDuplicateSettlement, "Duplicate settlement attempt",
		fmt.Sprintf("market %s: %s", m.ID, detail))
	return fmt.Errorf("resolution: market %s: %s: %w", m.ID, detail, domain.ErrDuplicateSettlementAttempt)
}

// escalate flags a market for manual resolution.
func (o *Orchestrator) escalate(ctx context.Context, marketID, reason, alertEvent string) {
	if _, err := o.markets.UpdateFlags(ctx, marketID, domain.FlagUpdate{
		RequiresManualResolution: domain.BoolPtr(true),
		ManualReason:             domain.StringPtr(reason),
	}); err != nil {
		o.logger.ErrorContext(ctx, "flag manual resolution",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	o.auditLog(ctx, "resolution.escalated", map[string]any{"market_id": marketID, "reason": reason})
	o.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventMarketManual,
		MarketID: marketID,
		Data:     map[string]any{"reason": reason},
	})
	o.alert(ctx, alertEvent, "Market needs manual resolution",
		fmt.Sprintf("market %s: %s", marketID, reason))
}

func (o *Orchestrator) clearManual(ctx context.Context, m domain.Market) domain.Market {
	if !m.RequiresManualResolution {
		return m
	}
	updated, err := o.markets.UpdateFlags(ctx, m.ID, domain.FlagUpdate{
		RequiresManualResolution: domain.BoolPtr(false),
		ManualReason:             domain.StringPtr(""),
	})
	if err != nil {
		o.logger.WarnContext(ctx, "clear manual flag", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		return m
	}
	return updated
}

// ProcessRetries re-attempts every due entry in the retry queue.
func (o *Orchestrator) ProcessRetries(ctx context.Context) error {
	due := o.retries.Due(o.clock.Now())
	for _, e := range due {
		if ctx.Err() != nil {
			o.retries.Release(e.MarketID)
			continue
		}
		var err error
		switch e.Op {
		case OpFinal:
			_, err = o.FinalResolve(ctx, FinalRequest{
				MarketID:   e.MarketID,
				Outcome:    e.Outcome,
				Confidence: e.Confidence,
				ResolvedBy: e.ResolvedBy,
				ReviewID:   e.ReviewID,
			})
		default:
			var override *domain.Outcome
			if e.Outcome.Decided() {
				v := e.Outcome
				override = &v
			}
			_, err = o.PreliminaryResolve(ctx, e.MarketID, override)
		}
		switch {
		case err == nil:
			o.retries.Remove(e.MarketID)
		case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrClaimWindowOpen):
			o.retries.Release(e.MarketID)
		case domain.IsTransient(err):
			// fail already rescheduled or dropped the entry
		default:
			o.settleRetryError(ctx, e, err)
		}
		if err != nil {
			o.logger.DebugContext(ctx, "retry attempt finished",
				slog.String("market_id", e.MarketID),
				slog.Int("retry_count", e.RetryCount),
				slog.String("error", err.Error()),
			)
		}
	}
	return ctx.Err()
}

// settleRetryError decides what happens to an entry whose attempt failed with
// a non-transient error the attempt did not handle itself. Entries whose
// ledger call already confirmed keep reconciling; anything else is dropped
// and the market flagged, except when there is nothing left to resolve.
func (o *Orchestrator) settleRetryError(ctx context.Context, e RetryEntry, err error) {
	if cur, ok := o.retries.Get(e.MarketID); !ok || !cur.inFlight {
		return
	}
	if e.TxRef != "" && !errors.Is(err, domain.ErrMarketCanceled) {
		entry, exhausted := o.retries.RecordFailure(e, "store", err)
		if exhausted {
			o.escalate(ctx, e.MarketID,
				fmt.Sprintf("%s tx %s landed but reconciling failed %d times: %s", e.Op, e.TxRef, entry.RetryCount, err),
				AlertManualResolution)
		}
		return
	}
	o.retries.Remove(e.MarketID)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMarketCanceled) {
		return
	}
	o.escalate(ctx, e.MarketID, fmt.Sprintf("%s retry failed: %s", e.Op, err), AlertManualResolution)
}

// AdminOverride forces a market into status, bypassing forward-only rules.
func (o *Orchestrator) AdminOverride(ctx context.Context, marketID string, to domain.MarketStatus, actor, reason string) (domain.Market, error) {
	if actor == "" || reason == "" {
		return domain.Market{}, fmt.Errorf("resolution: override %s: actor and reason are required", marketID)
	}
	if !to.Valid() {
		return domain.Market{}, fmt.Errorf("resolution: override %s: %w: %q", marketID, domain.ErrInvalidTransition, to)
	}
	unlock, err := o.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	m, err := o.markets.AdminOverride(ctx, marketID, to, actor, reason)
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution: override %s: %w", marketID, err)
	}
	o.retries.Remove(marketID)
	o.auditLog(ctx, "market.override", map[string]any{
		"market_id": marketID,
		"to":        string(to),
		"actor":     actor,
		"reason":    reason,
	})
	o.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventMarketOverride,
		MarketID: marketID,
		Status:   string(to),
		Data:     map[string]any{"actor": actor, "reason": reason},
	})
	o.logger.WarnContext(ctx, "admin override applied",
		slog.String("market_id", marketID),
		slog.String("to", string(to)),
		slog.String("actor", actor),
	)
	return m, nil
}

// lockMarket serializes work on one market inside this process and, when a
// LockManager is configured, across replicas.
func (o *Orchestrator) lockMarket(ctx context.Context, marketID string) (func(), error) {
	return o.lockRemote(ctx, marketID, o.local.Lock(marketID))
}

// tryLockMarket is lockMarket without waiting: a market that is busy in this
// process fails with ErrLockHeld.
func (o *Orchestrator) tryLockMarket(ctx context.Context, marketID string) (func(), error) {
	unlockLocal, ok := o.local.TryLock(marketID)
	if !ok {
		return nil, fmt.Errorf("resolution: lock market %s: %w", marketID, domain.ErrLockHeld)
	}
	return o.lockRemote(ctx, marketID, unlockLocal)
}

func (o *Orchestrator) lockRemote(ctx context.Context, marketID string, unlockLocal func()) (func(), error) {
	if o.locks == nil {
		return unlockLocal, nil
	}
	unlockRemote, err := o.locks.Acquire(ctx, "resolver:market:"+marketID, o.cfg.LockTTL)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("resolution: lock market %s: %w", marketID, err)
	}
	return func() {
		unlockRemote()
		unlockLocal()
	}, nil
}

func (o *Orchestrator) assess(ctx context.Context, m domain.Market) (domain.OracleAssessment, error) {
	var items []domain.EvidenceItem
	if o.evidence != nil {
		ev, err := o.evidence.Evidence(ctx, m.ID)
		if err != nil {
			o.logger.WarnContext(ctx, "load evidence",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		items = ev
	}
	return o.oracle.Assess(ctx, domain.OracleRequest{
		MarketID:      m.ID,
		ClaimText:     m.ClaimText,
		EvidenceItems: items,
		RegionHint:    m.RegionHint,
	})
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.LifecycleEvent) {
	if o.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = o.clock.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, domain.ChannelLifecycle, payload); err != nil {
		o.logger.WarnContext(ctx, "publish lifecycle event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(ctx, event, title, message); err != nil {
		o.logger.WarnContext(ctx, "send alert",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
