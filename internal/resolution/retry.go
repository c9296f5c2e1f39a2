package resolution

import (
	"sort"
	"sync"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Op names the resolution stage an entry retries.
type Op string

const (
	OpPreliminary Op = "preliminary"
	OpFinal       Op = "final"
)

// RetryEntry is one market waiting to be re-attempted.
type RetryEntry struct {
	MarketID    string
	Op          Op
	Outcome     domain.Outcome // final outcome, or the human override for preliminary
	Confidence  int
	ResolvedBy  string
	ReviewID    string
	NextAttempt time.Time
	RetryCount  int
	Sources     []string
	LastError   string
	// TxRef is set once a ledger call for this entry confirmed; the chain then
	// holds the outcome and only the local store is behind.
	TxRef string

	inFlight bool
}

// RetryQueue holds markets whose resolution failed transiently. Entries are
// claimed before they run so overlapping ticks never re-attempt the same
// market twice, and a market is dropped after MaxRetries consecutive failures.
type RetryQueue struct {
	mu         sync.Mutex
	entries    map[string]*RetryEntry
	maxRetries int
	base       time.Duration
	maxBackoff time.Duration
	clock      scheduler.Clock
}

// NewRetryQueue creates a queue with exponential backoff starting at base.
func NewRetryQueue(maxRetries int, base, maxBackoff time.Duration, clock scheduler.Clock) *RetryQueue {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &RetryQueue{
		entries:    make(map[string]*RetryEntry),
		maxRetries: maxRetries,
		base:       base,
		maxBackoff: maxBackoff,
		clock:      clock,
	}
}

// RecordFailure counts a failed attempt for attempt.MarketID. It returns the
// updated entry and true when this was the final allowed failure, in which
// case the entry has already been removed.
func (q *RetryQueue) RecordFailure(attempt RetryEntry, source string, cause error) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[attempt.MarketID]
	if !ok {
		e = &RetryEntry{MarketID: attempt.MarketID}
		q.entries[attempt.MarketID] = e
	}
	e.Op = attempt.Op
	e.Outcome = attempt.Outcome
	e.Confidence = attempt.Confidence
	e.ResolvedBy = attempt.ResolvedBy
	e.ReviewID = attempt.ReviewID
	if attempt.TxRef != "" {
		e.TxRef = attempt.TxRef
	}
	e.RetryCount++
	e.inFlight = false
	if cause != nil {
		e.LastError = cause.Error()
	}
	if source != "" && !contains(e.Sources, source) {
		e.Sources = append(e.Sources, source)
	}

	if e.RetryCount >= q.maxRetries {
		delete(q.entries, e.MarketID)
		return *e, true
	}
	e.NextAttempt = q.clock.Now().Add(q.backoff(e.RetryCount))
	return *e, false
}

func (q *RetryQueue) backoff(count int) time.Duration {
	d := q.base
	for i := 1; i < count; i++ {
		d *= 2
		if q.maxBackoff > 0 && d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	return d
}

// Due claims and returns every entry whose NextAttempt has passed.
func (q *RetryQueue) Due(now time.Time) []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []RetryEntry
	for _, e := range q.entries {
		if e.inFlight || now.Before(e.NextAttempt) {
			continue
		}
		e.inFlight = true
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	return out
}

// Release returns a claimed entry to the queue without counting a failure.
func (q *RetryQueue) Release(marketID string) {
	q.mu.Lock()
	if e, ok := q.entries[marketID]; ok {
		e.inFlight = false
	}
	q.mu.Unlock()
}

// Remove drops a market from the queue.
func (q *RetryQueue) Remove(marketID string) {
	q.mu.Lock()
	delete(q.entries, marketID)
	q.mu.Unlock()
}

// Get returns the entry for marketID.
func (q *RetryQueue) Get(marketID string) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[marketID]
	if !ok {
		return RetryEntry{}, false
	}
	return *e, true
}

// Has reports whether marketID is queued.
func (q *RetryQueue) Has(marketID string) bool {
	_, ok := q.Get(marketID)
	return ok
}

// Snapshot returns every queued entry ordered by next attempt.
func (q *RetryQueue) Snapshot() []RetryEntry {
	q.mu.Lock()
	out := make([]RetryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	return out
}

// Len returns the number of queued markets.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
