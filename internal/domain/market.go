package domain

import (
	"fmt"
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive       MarketStatus = "active"
	MarketStatusDisputable   MarketStatus = "disputable"
	MarketStatusPendingFinal MarketStatus = "pending_final"
	MarketStatusResolved     MarketStatus = "resolved"
	MarketStatusCanceled     MarketStatus = "canceled"
)

// rank orders the forward lifecycle. Canceled sits outside the chain.
var statusRank = map[MarketStatus]int{
	MarketStatusActive:       0,
	MarketStatusDisputable:   1,
	MarketStatusPendingFinal: 2,
	MarketStatusResolved:     3,
}

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == MarketStatusCanceled
}

// Terminal reports whether no further automatic transition can leave s.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCanceled
}

// CanAdvanceTo reports whether moving from s to next is a forward step.
// Canceled is reachable from every non-terminal status.
func (s MarketStatus) CanAdvanceTo(next MarketStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == MarketStatusCanceled {
		return true
	}
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to > from
}

// ParseMarketStatus converts a stored or user-supplied string to a status.
func ParseMarketStatus(s string) (MarketStatus, error) {
	st := MarketStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown market status %q", s)
	}
	return st, nil
}

// Outcome is the binary claim outcome, encoded as the settlement contract expects.
type Outcome uint8

const (
	OutcomeUnset Outcome = 0
	OutcomeYes   Outcome = 1
	OutcomeNo    Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return "unset"
	}
}

// MarshalText encodes the outcome as "yes", "no" or "unset".
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText accepts anything ParseOutcome does.
func (o *Outcome) UnmarshalText(text []byte) error {
	v, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Decided reports whether o is Yes or No.
func (o Outcome) Decided() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// ParseOutcome accepts "yes"/"no" in any case as well as the numeric encoding.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "1":
		return OutcomeYes, nil
	case "no", "2":
		return OutcomeNo, nil
	case "", "unset", "0":
		return OutcomeUnset, nil
	}
	return OutcomeUnset, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// ResolutionRecord captures both stages of a market's settlement.
type ResolutionRecord struct {
	PreliminaryOutcome    Outcome
	PreliminaryTxRef      string
	PreliminaryTime       *time.Time
	PreliminarySource     string // oracle source name or "human"
	PreliminaryConfidence int    // oracle confidence at preliminary time, 0-100
	Rationale             string

	FinalOutcome    Outcome
	FinalConfidence int
	FinalTxRef      string
	FinalTime       *time.Time
	ResolvedBy      string
}

// Market is a binary truth-claim market driven through resolution.
type Market struct {
	ID             string
	ClaimText      string
	RegionHint     string
	ClaimCloseTime time.Time
	ContractRef    string // settlement contract address, empty until deployed
	Status         MarketStatus

	DisputePeriodEnd *time.Time
	Resolution       *ResolutionRecord

	RequiresManualResolution bool
	ManualReason             string
	ReadyForFinal            bool
	NeedsReevaluation        bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasContract reports whether a settlement contract has been deployed.
func (m Market) HasContract() bool {
	return m.ContractRef != ""
}

// DisputeWindowOpen reports whether disputes may still be filed at now.
func (m Market) DisputeWindowOpen(now time.Time) bool {
	if m.DisputePeriodEnd == nil {
		return false
	}
	return !now.After(*m.DisputePeriodEnd)
}

// DisputePeriodEndFor anchors the dispute window to the claim close time.
func DisputePeriodEndFor(closeTime time.Time, window time.Duration) time.Time {
	return closeTime.Add(window)
}

// StatusTransition is a compare-and-swap request against the market store:
// the change applies only while the market is still in From.
type StatusTransition struct {
	MarketID         string
	From             MarketStatus
	To               MarketStatus
	DisputePeriodEnd *time.Time
	Resolution       *ResolutionRecord
	Actor            string
	Reason           string
}

// FlagUpdate patches the informational flags on a market. Nil fields are left alone.
type FlagUpdate struct {
	RequiresManualResolution *bool
	ManualReason             *string
	ReadyForFinal            *bool
	NeedsReevaluation        *bool
}

// MarketEvent is one row of a market's append-only status history.
type MarketEvent struct {
	ID        string
	MarketID  string
	From      MarketStatus
	To        MarketStatus
	Actor     string
	Reason    string
	Override  bool
	CreatedAt time.Time
}

// BoolPtr and StringPtr build FlagUpdate fields inline.
func BoolPtr(b bool) *bool { return &b }
func StringPtr(s string) *string { return &s }
