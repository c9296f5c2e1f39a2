package domain

import "time"

// Priority orders admin review work.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Rank is higher for more urgent priorities.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ReviewStatus tracks an admin review recommendation.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewConfirmed ReviewStatus = "confirmed"
	ReviewDismissed ReviewStatus = "dismissed"
)

// ReviewRecommendation asks an admin to confirm a final outcome the oracle
// was not confident enough to execute alone.
type ReviewRecommendation struct {
	ID         string
	MarketID   string
	Outcome    Outcome
	Confidence int
	Priority   Priority
	Rationale  string
	Source     string
	Status     ReviewStatus
	CreatedAt  time.Time
	DecidedAt  *time.Time
	DecidedBy  string
}

// RoutingAction is what the confidence policy decided.
type RoutingAction string

const (
	RouteAuto   RoutingAction = "auto"
	RouteReview RoutingAction = "review"
)

// RoutingDecision is the outcome of confidence routing.
type RoutingDecision struct {
	Action     RoutingAction
	Priority   Priority // empty for RouteAuto
	Confidence int
	ReviewID   string // set when a recommendation was created
}
