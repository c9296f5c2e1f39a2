package domain

import "time"

// Bus channels and streams used for lifecycle events.
const (
	ChannelLifecycle  = "resolver:lifecycle"
	StreamSettlements = "resolver:settlements"
)

// Lifecycle event types.
const (
	EventMarketDisputable = "market.disputable"
	EventMarketReady      = "market.ready_for_final"
	EventMarketResolved   = "market.resolved"
	EventMarketManual     = "market.manual_resolution"
	EventMarketOverride   = "market.override"
	EventDisputeOpened    = "dispute.opened"
	EventDisputeResolved  = "dispute.resolved"
	EventDisputeExpired   = "dispute.expired"
	EventReviewCreated    = "review.created"
)

// LifecycleEvent is published on ChannelLifecycle whenever a market or
// dispute changes state.
type LifecycleEvent struct {
	Type      string         `json:"type"`
	MarketID  string         `json:"market_id"`
	DisputeID string         `json:"dispute_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// SettlementNotice is appended to StreamSettlements once a market is final.
// Bet settlement consumes it to compute payouts.
type SettlementNotice struct {
	MarketID   string    `json:"market_id"`
	Outcome    Outcome   `json:"outcome"`
	Confidence int       `json:"confidence"`
	TxRef      string    `json:"tx_ref"`
	ResolvedAt time.Time `json:"resolved_at"`
}
