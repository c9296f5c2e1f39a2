package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their status history. Transition is a
// compare-and-swap: it fails with ErrStatusConflict unless the market is
// still in t.From.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByStatus(ctx context.Context, statuses []MarketStatus, opts ListOpts) ([]Market, error)
	ListResolved(ctx context.Context, since, until time.Time) ([]Market, error)
	Transition(ctx context.Context, t StatusTransition) (Market, error)
	UpdateFlags(ctx context.Context, id string, f FlagUpdate) (Market, error)
	AdminOverride(ctx context.Context, id string, to MarketStatus, actor, reason string) (Market, error)
	Events(ctx context.Context, id string) ([]MarketEvent, error)
}

// DisputeStore persists disputes. Create fails with ErrDuplicateActiveDispute
// when the disputer already has an Active dispute on the market. Resolve
// applies only to Active disputes and returns ErrDisputeAlreadyResolved otherwise.
type DisputeStore interface {
	Create(ctx context.Context, d Dispute) error
	GetByID(ctx context.Context, id string) (Dispute, error)
	FindActive(ctx context.Context, marketID, disputerID string) (Dispute, error)
	ListByMarket(ctx context.Context, marketID string) ([]Dispute, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Dispute, error)
	Resolve(ctx context.Context, r DisputeResolution) (Dispute, error)
}

// BondStore persists bonds. Settle applies only to Locked bonds and returns
// ErrBondAlreadySettled otherwise.
type BondStore interface {
	Create(ctx context.Context, b Bond) error
	GetByDispute(ctx context.Context, disputeID string) (Bond, error)
	Settle(ctx context.Context, s BondSettlement) (Bond, error)
}

// ReviewStore persists admin review recommendations.
type ReviewStore interface {
	Create(ctx context.Context, r ReviewRecommendation) error
	GetByID(ctx context.Context, id string) (ReviewRecommendation, error)
	PendingForMarket(ctx context.Context, marketID string) ([]ReviewRecommendation, error)
	ListPending(ctx context.Context, opts ListOpts) ([]ReviewRecommendation, error)
	Decide(ctx context.Context, id string, status ReviewStatus, by string, at time.Time) (ReviewRecommendation, error)
}

// ReputationStore tracks dispute accuracy per user.
type ReputationStore interface {
	Get(ctx context.Context, userID string) (Reputation, error)
	Record(ctx context.Context, userID string, upheld bool) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
