package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeActive   DisputeStatus = "active"
	DisputeUpheld   DisputeStatus = "upheld"
	DisputeRejected DisputeStatus = "rejected"
	DisputePartial  DisputeStatus = "partial"
	DisputeExpired  DisputeStatus = "expired"
)

// DisputeOutcome is the adjudicator's verdict.
type DisputeOutcome string

const (
	VerdictUpheld   DisputeOutcome = "upheld"
	VerdictRejected DisputeOutcome = "rejected"
	VerdictPartial  DisputeOutcome = "partial"
)

// EvidenceQuality grades the evidence a disputer supplied.
type EvidenceQuality string

const (
	QualityHigh   EvidenceQuality = "high"
	QualityMedium EvidenceQuality = "medium"
	QualityLow    EvidenceQuality = "low"
)

// Status maps a verdict to the dispute's terminal status.
func (o DisputeOutcome) Status() DisputeStatus {
	switch o {
	case VerdictUpheld:
		return DisputeUpheld
	case VerdictPartial:
		return DisputePartial
	default:
		return DisputeRejected
	}
}

// ParseDisputeOutcome validates a verdict string.
func ParseDisputeOutcome(s string) (DisputeOutcome, error) {
	switch o := DisputeOutcome(s); o {
	case VerdictUpheld, VerdictRejected, VerdictPartial:
		return o, nil
	}
	return "", fmt.Errorf("unknown dispute outcome %q", s)
}

// ParseEvidenceQuality validates a quality grade.
func ParseEvidenceQuality(s string) (EvidenceQuality, error) {
	switch q := EvidenceQuality(s); q {
	case QualityHigh, QualityMedium, QualityLow:
		return q, nil
	}
	return "", fmt.Errorf("unknown evidence quality %q", s)
}

// RefundPercent is the deterministic bond refund table.
//
//	upheld              100
//	partial  high/med/low  75/50/25
//	rejected high/med/low  50/25/0
func RefundPercent(outcome DisputeOutcome, quality EvidenceQuality) (int, error) {
	if outcome == VerdictUpheld {
		return 100, nil
	}
	var table map[EvidenceQuality]int
	switch outcome {
	case VerdictPartial:
		table = map[EvidenceQuality]int{QualityHigh: 75, QualityMedium: 50, QualityLow: 25}
	case VerdictRejected:
		table = map[EvidenceQuality]int{QualityHigh: 50, QualityMedium: 25, QualityLow: 0}
	default:
		return 0, fmt.Errorf("unknown dispute outcome %q", outcome)
	}
	pct, ok := table[quality]
	if !ok {
		return 0, fmt.Errorf("unknown evidence quality %q", quality)
	}
	return pct, nil
}

// Dispute is a challenge against a market's preliminary outcome.
type Dispute struct {
	ID            string
	MarketID      string
	DisputerID    string
	BondAmount    decimal.Decimal
	EvidenceRef   string
	Reason        string
	Status        DisputeStatus
	Outcome       DisputeOutcome
	Quality       EvidenceQuality
	RefundPercent int
	ResolverNotes string
	ResolvedBy    string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// DisputeResolution is the terminal update applied to an Active dispute.
type DisputeResolution struct {
	DisputeID     string
	Status        DisputeStatus
	Outcome       DisputeOutcome
	Quality       EvidenceQuality
	RefundPercent int
	ResolverNotes string
	ResolvedBy    string
	ResolvedAt    time.Time
}

// RejectionReason is a typed reason a dispute submission was refused.
type RejectionReason string

const (
	RejectInsufficientBond    RejectionReason = "insufficient_bond"
	RejectDuplicateActive     RejectionReason = "duplicate_active_dispute"
	RejectWindowClosed        RejectionReason = "dispute_window_closed"
	RejectMarketNotDisputable RejectionReason = "market_not_disputable"
)

// Eligibility is the result of a dispute eligibility check.
type Eligibility struct {
	Eligible     bool
	Reason       RejectionReason
	RequiredBond decimal.Decimal
	Available    decimal.Decimal
}

// Reputation summarizes a user's dispute history.
type Reputation struct {
	UserID           string
	DisputesResolved int
	DisputesUpheld   int
	UpdatedAt        time.Time
}

// Accuracy is the fraction of resolved disputes that were upheld.
func (r Reputation) Accuracy() float64 {
	if r.DisputesResolved == 0 {
		return 0
	}
	return float64(r.DisputesUpheld) / float64(r.DisputesResolved)
}
