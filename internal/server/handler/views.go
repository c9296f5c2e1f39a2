package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

type resolutionView struct {
	PreliminaryOutcome    domain.Outcome `json:"preliminary_outcome"`
	PreliminaryConfidence int            `json:"preliminary_confidence"`
	PreliminarySource     string         `json:"preliminary_source,omitempty"`
	PreliminaryTxRef      string         `json:"preliminary_tx_ref,omitempty"`
	PreliminaryTime       *time.Time     `json:"preliminary_time,omitempty"`
	Rationale             string         `json:"rationale,omitempty"`
	FinalOutcome          domain.Outcome `json:"final_outcome"`
	FinalConfidence       int            `json:"final_confidence"`
	FinalTxRef            string         `json:"final_tx_ref,omitempty"`
	FinalTime             *time.Time     `json:"final_time,omitempty"`
	ResolvedBy            string         `json:"resolved_by,omitempty"`
}

type marketView struct {
	ID                       string          `json:"id"`
	ClaimText                string          `json:"claim_text"`
	RegionHint               string          `json:"region_hint,omitempty"`
	ClaimCloseTime           time.Time       `json:"claim_close_time"`
	ContractRef              string          `json:"contract_ref,omitempty"`
	Status                   string          `json:"status"`
	DisputePeriodEnd         *time.Time      `json:"dispute_period_end,omitempty"`
	Resolution               *resolutionView `json:"resolution,omitempty"`
	RequiresManualResolution bool            `json:"requires_manual_resolution"`
	ManualReason             string          `json:"manual_reason,omitempty"`
	ReadyForFinal            bool            `json:"ready_for_final"`
	NeedsReevaluation        bool            `json:"needs_reevaluation"`
	RetryQueued              bool            `json:"retry_queued"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

func toMarketView(m domain.Market, queued bool) marketView {
	v := marketView{
		ID:                       m.ID,
		ClaimText:                m.ClaimText,
		RegionHint:               m.RegionHint,
		ClaimCloseTime:           m.ClaimCloseTime,
		ContractRef:              m.ContractRef,
		Status:                   string(m.Status),
		DisputePeriodEnd:         m.DisputePeriodEnd,
		RequiresManualResolution: m.RequiresManualResolution,
		ManualReason:             m.ManualReason,
		ReadyForFinal:            m.ReadyForFinal,
		NeedsReevaluation:        m.NeedsReevaluation,
		RetryQueued:              queued,
		CreatedAt:                m.CreatedAt,
		UpdatedAt:                m.UpdatedAt,
	}
	if r := m.Resolution; r != nil {
		v.Resolution = &resolutionView{
			PreliminaryOutcome:    r.PreliminaryOutcome,
			PreliminaryConfidence: r.PreliminaryConfidence,
			PreliminarySource:     r.PreliminarySource,
			PreliminaryTxRef:      r.PreliminaryTxRef,
			PreliminaryTime:       r.PreliminaryTime,
			Rationale:             r.Rationale,
			FinalOutcome:          r.FinalOutcome,
			FinalConfidence:       r.FinalConfidence,
			FinalTxRef:            r.FinalTxRef,
			FinalTime:             r.FinalTime,
			ResolvedBy:            r.ResolvedBy,
		}
	}
	return v
}

type eventView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Override  bool      `json:"override"`
	CreatedAt time.Time `json:"created_at"`
}

type disputeView struct {
	ID            string          `json:"id"`
	MarketID      string          `json:"market_id"`
	DisputerID    string          `json:"disputer_id"`
	BondAmount    decimal.Decimal `json:"bond_amount"`
	EvidenceRef   string          `json:"evidence_ref,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Status        string          `json:"status"`
	Outcome       string          `json:"outcome,omitempty"`
	Quality       string          `json:"quality,omitempty"`
	RefundPercent int             `json:"refund_percent"`
	ResolverNotes string          `json:"resolver_notes,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func toDisputeView(d domain.Dispute) disputeView {
	return disputeView{
		ID:            d.ID,
		MarketID:      d.MarketID,
		DisputerID:    d.DisputerID,
		BondAmount:    d.BondAmount,
		EvidenceRef:   d.EvidenceRef,
		Reason:        d.Reason,
		Status:        string(d.Status),
		Outcome:       string(d.Outcome),
		Quality:       string(d.Quality),
		RefundPercent: d.RefundPercent,
		ResolverNotes: d.ResolverNotes,
		ResolvedBy:    d.ResolvedBy,
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
	}
}

type reviewView struct {
	ID         string         `json:"id"`
	MarketID   string         `json:"market_id"`
	Outcome    domain.Outcome `json:"outcome"`
	Confidence int            `json:"confidence"`
	Priority   string         `json:"priority"`
	Rationale  string         `json:"rationale,omitempty"`
	Source     string         `json:"source,omitempty"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
}

func toReviewView(r domain.ReviewRecommendation) reviewView {
	return reviewView{
		ID:         r.ID,
		MarketID:   r.MarketID,
		Outcome:    r.Outcome,
		Confidence: r.Confidence,
		Priority:   string(r.Priority),
		Rationale:  r.Rationale,
		Source:     r.Source,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		DecidedAt:  r.DecidedAt,
		DecidedBy:  r.DecidedBy,
	}
}

type eligibilityView struct {
	Eligible     bool            `json:"eligible"`
	Reason       string          `json:"reason,omitempty"`
	RequiredBond decimal.Decimal `json:"required_bond"`
	Available    decimal.Decimal `json:"available"`
}
