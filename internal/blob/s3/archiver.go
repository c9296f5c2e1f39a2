package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ResolutionArchiver implements domain.Archiver. It writes each resolved
// market, its disputes and its status history as one JSONL line under
// archive/resolutions/YYYY-MM.jsonl, keyed by the month of the final
// resolution. Rows are left in the primary store.
//
// A monthly file is rewritten whole on every run, so callers pass a window
// that starts at the beginning of a month.
type ResolutionArchiver struct {
	writer   domain.BlobWriter
	markets  domain.MarketStore
	disputes domain.DisputeStore
	audit    domain.AuditStore
}

// NewResolutionArchiver creates a ResolutionArchiver.
func NewResolutionArchiver(writer domain.BlobWriter, markets domain.MarketStore, disputes domain.DisputeStore, audit domain.AuditStore) *ResolutionArchiver {
	return &ResolutionArchiver{writer: writer, markets: markets, disputes: disputes, audit: audit}
}

type archivedDispute struct {
	ID            string          `json:"id"`
	DisputerID    string          `json:"disputer_id"`
	BondAmount    decimal.Decimal `json:"bond_amount"`
	Status        string          `json:"status"`
	Outcome       string          `json:"outcome,omitempty"`
	Quality       string          `json:"quality,omitempty"`
	RefundPercent int             `json:"refund_percent"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

type archivedEvent struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Actor    string    `json:"actor,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Override bool      `json:"override,omitempty"`
	At       time.Time `json:"at"`
}

type archivedResolution struct {
	MarketID              string            `json:"market_id"`
	ClaimText             string            `json:"claim_text"`
	ContractRef           string            `json:"contract_ref"`
	ClaimCloseTime        time.Time         `json:"claim_close_time"`
	DisputePeriodEnd      *time.Time        `json:"dispute_period_end,omitempty"`
	PreliminaryOutcome    domain.Outcome    `json:"preliminary_outcome"`
	PreliminaryConfidence int               `json:"preliminary_confidence"`
	PreliminarySource     string            `json:"preliminary_source"`
	PreliminaryTxRef      string            `json:"preliminary_tx_ref"`
	FinalOutcome          domain.Outcome    `json:"final_outcome"`
	FinalConfidence       int               `json:"final_confidence"`
	FinalTxRef            string            `json:"final_tx_ref"`
	FinalTime             time.Time         `json:"final_time"`
	ResolvedBy            string            `json:"resolved_by"`
	Disputes              []archivedDispute `json:"disputes"`
	Events                []archivedEvent   `json:"events"`
}

// ArchiveResolutions archives markets finally resolved in [since, until) and
// returns how many were written.
func (a *ResolutionArchiver) ArchiveResolutions(ctx context.Context, since, until time.Time) (int64, error) {
	markets, err := a.markets.ListResolved(ctx, since, until)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]archivedResolution)
	for _, m := range markets {
		rec, err := a.record(ctx, m)
		if err != nil {
			return 0, err
		}
		p := archivePath(rec.FinalTime)
		byMonth[p] = append(byMonth[p], rec)
	}

	paths := make([]string, 0, len(byMonth))
	for p := range byMonth {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var total int64
	for _, p := range paths {
		recs := byMonth[p]
		buf, err := marshalJSONL(recs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal %s: %w", p, err)
		}
		if err := a.writer.Put(ctx, p, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive upload %s: %w", p, err)
		}
		total += int64(len(recs))
		if err := a.audit.Log(ctx, "archive.resolutions", map[string]any{
			"path":  p,
			"count": len(recs),
			"since": since.Format(time.RFC3339),
			"until": until.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive audit: %w", err)
		}
	}
	return total, nil
}

func (a *ResolutionArchiver) record(ctx context.Context, m domain.Market) (archivedResolution, error) {
	rec := archivedResolution{
		MarketID:         m.ID,
		ClaimText:        m.ClaimText,
		ContractRef:      m.ContractRef,
		ClaimCloseTime:   m.ClaimCloseTime,
		DisputePeriodEnd: m.DisputePeriodEnd,
		Disputes:         []archivedDispute{},
		Events:           []archivedEvent{},
	}
	if r := m.Resolution; r != nil {
		rec.PreliminaryOutcome = r.PreliminaryOutcome
		rec.PreliminaryConfidence = r.PreliminaryConfidence
		rec.PreliminarySource = r.PreliminarySource
		rec.PreliminaryTxRef = r.PreliminaryTxRef
		rec.FinalOutcome = r.FinalOutcome
		rec.FinalConfidence = r.FinalConfidence
		rec.FinalTxRef = r.FinalTxRef
		rec.ResolvedBy = r.ResolvedBy
		if r.FinalTime != nil {
			rec.FinalTime = r.FinalTime.UTC()
		}
	}

	disputes, err := a.disputes.ListByMarket(ctx, m.ID)
	if err != nil {
		return rec, fmt.Errorf("s3blob: archive disputes %s: %w", m.ID, err)
	}
	for _, d := range disputes {
		rec.Disputes = append(rec.Disputes, archivedDispute{
			ID:            d.ID,
			DisputerID:    d.DisputerID,
			BondAmount:    d.BondAmount,
			Status:        string(d.Status),
			Outcome:       string(d.Outcome),
			Quality:       string(d.Quality),
			RefundPercent: d.RefundPercent,
			CreatedAt:     d.CreatedAt,
			ResolvedAt:    d.ResolvedAt,
		})
	}

	events, err := a.markets.Events(ctx, m.ID)
	if err != nil {
		return rec, fmt.Errorf("s3blob: archive events %s: %w", m.ID, err)
	}
	for _, e := range events {
		rec.Events = append(rec.Events, archivedEvent{
			From:     string(e.From),
			To:       string(e.To),
			Actor:    e.Actor,
			Reason:   e.Reason,
			Override: e.Override,
			At:       e.CreatedAt,
		})
	}
	return rec, nil
}

// archivePath is archive/resolutions/2026-03.jsonl for a March 2026 resolution.
func archivePath(final time.Time) string {
	return fmt.Sprintf("archive/resolutions/%s.jsonl", final.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ResolutionArchiver)(nil)
