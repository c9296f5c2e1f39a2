// Package dryrun provides an in-memory settlement ledger for dry runs and tests.
package dryrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// Ledger is an in-memory domain.SettlementLedger. Queued errors are returned by
// the next calls of the matching method; with LandOnTimeout set, a queued
// ErrLedgerTimeout still applies the state change, modelling a transaction
// that confirmed after the caller gave up.
type Ledger struct {
	mu        sync.Mutex
	contracts map[string]*domain.ContractMarketInfo
	txSeq     int

	prelimErrs []error
	finalErrs  []error
	infoErrs   []error

	LandOnTimeout bool
	// closeTime, when set, deploys unknown contracts on first use as open
	// ones closing at the time it reports.
	closeTime CloseTimeFunc
	// Gate, when non-nil, is received from before each state-changing call.
	Gate chan struct{}

	PreliminaryCalls int
	FinalCalls       int
	InfoCalls        int
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{contracts: map[string]*domain.ContractMarketInfo{}}
}

// CloseTimeFunc reports when the market settled by contractRef closes. It
// fails with domain.ErrNotFound for contracts no market uses.
type CloseTimeFunc func(ctx context.Context, contractRef string) (time.Time, error)

// NewAutoDeploy returns a Ledger that deploys any contract a market refers
// to the first time it is touched, closing when closeTime says.
func NewAutoDeploy(closeTime CloseTimeFunc) *Ledger {
	l := New()
	l.closeTime = closeTime
	return l
}

// MarketCloseTimes answers close-time lookups from the markets that hold
// each contract ref.
func MarketCloseTimes(markets domain.MarketStore) CloseTimeFunc {
	const page = 200
	return func(ctx context.Context, contractRef string) (time.Time, error) {
		for offset := 0; ; offset += page {
			ms, err := markets.ListByStatus(ctx, nil, domain.ListOpts{Limit: page, Offset: offset})
			if err != nil {
				return time.Time{}, err
			}
			for _, m := range ms {
				if m.ContractRef == contractRef {
					return m.ClaimCloseTime, nil
				}
			}
			if len(ms) < page {
				return time.Time{}, fmt.Errorf("dryrun: no market uses contract %q: %w", contractRef, domain.ErrNotFound)
			}
		}
	}
}

// deploy registers contractRef on first use when the ledger auto-deploys.
// Unknown refs stay unknown.
func (f *Ledger) deploy(ctx context.Context, contractRef string) error {
	if f.closeTime == nil || contractRef == "" {
		return nil
	}
	f.mu.Lock()
	_, ok := f.contracts[contractRef]
	f.mu.Unlock()
	if ok {
		return nil
	}
	closeAt, err := f.closeTime(ctx, contractRef)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dryrun: close time for %q: %v: %w", contractRef, err, domain.ErrLedgerUnavailable)
	}
	f.mu.Lock()
	if _, ok := f.contracts[contractRef]; !ok {
		f.contracts[contractRef] = &domain.ContractMarketInfo{CloseTime: closeAt, Status: domain.ContractOpen}
	}
	f.mu.Unlock()
	return nil
}

// Deploy registers a contract that closes at closeTime.
func (f *Ledger) Deploy(contractRef string, closeTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[contractRef] = &domain.ContractMarketInfo{CloseTime: closeTime, Status: domain.ContractOpen}
}

// SetState overwrites a contract's on-chain state.
func (f *Ledger) SetState(contractRef string, status domain.ContractStatus, outcome domain.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contracts[contractRef]; ok {
		c.Status = status
		c.Outcome = outcome
	}
}

// State returns a contract's on-chain state.
func (f *Ledger) State(contractRef string) domain.ContractMarketInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contracts[contractRef]; ok {
		return *c
	}
	return domain.ContractMarketInfo{}
}

// FailPreliminary queues errors for upcoming PreliminaryResolve calls.
func (f *Ledger) FailPreliminary(errs ...error) {
	f.mu.Lock()
	f.prelimErrs = append(f.prelimErrs, errs...)
	f.mu.Unlock()
}

// FailFinal queues errors for upcoming FinalResolve calls.
func (f *Ledger) FailFinal(errs ...error) {
	f.mu.Lock()
	f.finalErrs = append(f.finalErrs, errs...)
	f.mu.Unlock()
}

// FailInfo queues errors for upcoming MarketInfo calls.
func (f *Ledger) FailInfo(errs ...error) {
	f.mu.Lock()
	f.infoErrs = append(f.infoErrs, errs...)
	f.mu.Unlock()
}

// Calls returns the number of state-changing calls made so far.
func (f *Ledger) Calls() (preliminary, final int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PreliminaryCalls, f.FinalCalls
}

func (f *Ledger) MarketInfo(ctx context.Context, contractRef string) (domain.ContractMarketInfo, error) {
	if err := f.deploy(ctx, contractRef); err != nil {
		return domain.ContractMarketInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InfoCalls++
	if err := pop(&f.infoErrs); err != nil {
		return domain.ContractMarketInfo{}, err
	}
	c, ok := f.contracts[contractRef]
	if !ok {
		return domain.ContractMarketInfo{}, fmt.Errorf("dryrun: unknown contract %q: %w", contractRef, domain.ErrMissingSettlementTarget)
	}
	return *c, nil
}

func (f *Ledger) PreliminaryResolve(ctx context.Context, contractRef string, outcome domain.Outcome) (domain.TxReceipt, error) {
	f.wait(ctx)
	if err := f.deploy(ctx, contractRef); err != nil {
		return domain.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PreliminaryCalls++
	c, ok := f.contracts[contractRef]
	if !ok {
		return domain.TxReceipt{}, domain.ErrMissingSettlementTarget
	}
	if err := pop(&f.prelimErrs); err != nil {
		if f.LandOnTimeout && isTimeout(err) {
			c.Status, c.Outcome = domain.ContractPreliminaryResolved, outcome
		}
		return domain.TxReceipt{}, err
	}
	if c.Status != domain.ContractOpen {
		return domain.TxReceipt{}, fmt.Errorf("dryrun: contract is %s: %w", c.Status, domain.ErrLedgerReverted)
	}
	c.Status, c.Outcome = domain.ContractPreliminaryResolved, outcome
	return f.receipt(), nil
}

func (f *Ledger) FinalResolve(ctx context.Context, contractRef string, outcome domain.Outcome, confidence uint8) (domain.TxReceipt, error) {
	f.wait(ctx)
	if err := f.deploy(ctx, contractRef); err != nil {
		return domain.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FinalCalls++
	c, ok := f.contracts[contractRef]
	if !ok {
		return domain.TxReceipt{}, domain.ErrMissingSettlementTarget
	}
	if err := pop(&f.finalErrs); err != nil {
		if f.LandOnTimeout && isTimeout(err) {
			c.Status, c.Outcome = domain.ContractFinalResolved, outcome
		}
		return domain.TxReceipt{}, err
	}
	if c.Status != domain.ContractPreliminaryResolved || confidence > 100 {
		return domain.TxReceipt{}, fmt.Errorf("dryrun: contract is %s: %w", c.Status, domain.ErrLedgerReverted)
	}
	c.Status, c.Outcome = domain.ContractFinalResolved, outcome
	return f.receipt(), nil
}

func (f *Ledger) wait(ctx context.Context) {
	if f.Gate == nil {
		return
	}
	select {
	case <-f.Gate:
	case <-ctx.Done():
	}
}

// receipt must be called with f.mu held.
func (f *Ledger) receipt() domain.TxReceipt {
	f.txSeq++
	return domain.TxReceipt{
		TxRef:       fmt.Sprintf("0xfake%04d", f.txSeq),
		BlockNumber: uint64(f.txSeq),
		ConfirmedAt: time.Now().UTC(),
	}
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func isTimeout(err error) bool {
	return err != nil && domain.FailureTag(err) == "ledger_timeout"
}

var _ domain.SettlementLedger = (*Ledger)(nil)
