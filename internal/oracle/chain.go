package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// Source is one oracle in a fallback chain. Discount scales the confidence
// it reports; secondary sources are trusted less than the primary.
type Source struct {
	Oracle   domain.ConfidenceOracle
	Name     string
	Discount float64
}

// Chain asks each source in order and returns the first verdict. When every
// source fails it returns ErrOracleUnavailable, which sends the market to
// the retry queue and eventually to manual resolution.
type Chain struct {
	sources []Source
	logger  *slog.Logger
}

// NewChain creates a fallback chain. A zero Discount means 1.
func NewChain(logger *slog.Logger, sources ...Source) *Chain {
	for i := range sources {
		if sources[i].Discount <= 0 || sources[i].Discount > 1 {
			sources[i].Discount = 1
		}
	}
	return &Chain{
		sources: sources,
		logger:  logger.With(slog.String("component", "oracle_chain")),
	}
}

// Sources returns the configured source names in order.
func (c *Chain) Sources() []string {
	out := make([]string, len(c.sources))
	for i, s := range c.sources {
		out[i] = s.Name
	}
	return out
}

func (c *Chain) Assess(ctx context.Context, req domain.OracleRequest) (domain.OracleAssessment, error) {
	var errs []error
	for _, src := range c.sources {
		a, err := src.Oracle.Assess(ctx, req)
		if err != nil {
			c.logger.WarnContext(ctx, "oracle source failed",
				slog.String("source", src.Name),
				slog.String("market_id", req.MarketID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		a.Confidence *= src.Discount
		if a.Source == "" {
			a.Source = src.Name
		}
		return a, nil
	}
	if len(c.sources) == 0 {
		errs = append(errs, errors.New("no oracle sources configured"))
	}
	return domain.OracleAssessment{}, fmt.Errorf("oracle: all sources failed for %s: %w", req.MarketID, errors.Join(append([]error{domain.ErrOracleUnavailable}, errs...)...))
}

var _ domain.ConfidenceOracle = (*Chain)(nil)
