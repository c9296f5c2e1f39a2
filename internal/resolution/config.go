package resolution

import (
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// Config holds the protocol constants that drive resolution.
type Config struct {
	DisputeWindow time.Duration

	// Confidence routing floors on the 0-100 scale.
	AutoThreshold       int // at or above: finalize without review
	LowPriorityFloor    int // at or above: review, LOW
	MediumPriorityFloor int // at or above: review, MEDIUM; below: HIGH

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	LockTTL      time.Duration
	AutoFinalize bool
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		DisputeWindow:       168 * time.Hour,
		AutoThreshold:       90,
		LowPriorityFloor:    70,
		MediumPriorityFloor: 50,
		MaxRetries:          4,
		RetryBackoff:        30 * time.Second,
		RetryMaxBackoff:     30 * time.Minute,
		LockTTL:             5 * time.Minute,
		AutoFinalize:        true,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.DisputeWindow <= 0 {
		c.DisputeWindow = d.DisputeWindow
	}
	if c.AutoThreshold <= 0 {
		c.AutoThreshold = d.AutoThreshold
	}
	if c.LowPriorityFloor <= 0 {
		c.LowPriorityFloor = d.LowPriorityFloor
	}
	if c.MediumPriorityFloor <= 0 {
		c.MediumPriorityFloor = d.MediumPriorityFloor
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = d.RetryMaxBackoff
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
}

// Route applies the confidence routing table:
//
//	>= 90   auto-finalize
//	70-89   admin review, LOW
//	50-69   admin review, MEDIUM
//	< 50    admin review, HIGH
func (c Config) Route(confidence int) domain.RoutingDecision {
	d := domain.RoutingDecision{Confidence: confidence}
	switch {
	case confidence >= c.AutoThreshold:
		d.Action = domain.RouteAuto
	case confidence >= c.LowPriorityFloor:
		d.Action, d.Priority = domain.RouteReview, domain.PriorityLow
	case confidence >= c.MediumPriorityFloor:
		d.Action, d.Priority = domain.RouteReview, domain.PriorityMedium
	default:
		d.Action, d.Priority = domain.RouteReview, domain.PriorityHigh
	}
	return d
}
