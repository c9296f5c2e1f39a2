package domain

import (
	"context"
	"math"
)

// EvidenceItem is one piece of evidence handed to the oracle.
type EvidenceItem struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"text,omitempty"`
}

// OracleRequest asks the confidence oracle to assess a claim.
type OracleRequest struct {
	MarketID      string         `json:"market_id"`
	ClaimText     string         `json:"claim_text"`
	EvidenceItems []EvidenceItem `json:"evidence_items"`
	RegionHint    string         `json:"region_hint,omitempty"`
}

// OracleAssessment is the oracle's verdict. Confidence is in [0,1].
type OracleAssessment struct {
	Outcome    Outcome  `json:"outcome"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	ToolsUsed  []string `json:"tools_used"`
	Source     string   `json:"source"`
}

// ConfidencePercent converts the [0,1] confidence to the 0-100 integer scale.
// It truncates, so a value below a routing threshold never reaches it; the
// epsilon absorbs float error such as 0.29*100 = 28.999999999999996.
func (a OracleAssessment) ConfidencePercent() int {
	c := min(max(a.Confidence, 0), 1)
	return int(math.Floor(c*100 + 1e-9))
}

// ConfidenceOracle scores a claim. Implementations return ErrOracleUnavailable
// when no verdict could be obtained.
type ConfidenceOracle interface {
	Assess(ctx context.Context, req OracleRequest) (OracleAssessment, error)
}

// EvidenceSource loads the evidence bundle for a market.
type EvidenceSource interface {
	Evidence(ctx context.Context, marketID string) ([]EvidenceItem, error)
}
