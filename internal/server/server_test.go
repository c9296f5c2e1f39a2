package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/bond"
	"github.com/tdeu/blc-hedera-sub002/internal/dispute"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/ledger/dryrun"
	"github.com/tdeu/blc-hedera-sub002/internal/resolution"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/server/handler"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
)

const (
	userKey  = "user-key"
	adminKey = "admin-key"
)

var closeAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixedOracle struct {
	outcome    domain.Outcome
	confidence float64
}

func (o fixedOracle) Assess(context.Context, domain.OracleRequest) (domain.OracleAssessment, error) {
	return domain.OracleAssessment{Outcome: o.outcome, Confidence: o.confidence, Source: "fixed"}, nil
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu   sync.Mutex
	n    int
	seen map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= l.n, nil
}

type testAPI struct {
	stores  *memory.Stores
	ledger  *dryrun.Ledger
	handler http.Handler
}

func newTestAPI(t *testing.T, limiter domain.RateLimiter) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := scheduler.NewManualClock(closeAt.Add(time.Hour))
	a := &testAPI{stores: memory.New(), ledger: dryrun.New()}

	orch := resolution.New(resolution.Deps{
		Markets:  a.stores.Markets,
		Reviews:  a.stores.Reviews,
		Disputes: a.stores.Disputes,
		Audit:    a.stores.Audit,
		Ledger:   a.ledger,
		Oracle:   fixedOracle{outcome: domain.OutcomeYes, confidence: 0.93},
		Clock:    clock,
	}, resolution.DefaultConfig(), logger)
	mgr := dispute.NewManager(dispute.Deps{
		Markets:     a.stores.Markets,
		Disputes:    a.stores.Disputes,
		Bonds:       bond.NewLedger(a.stores.Bonds, a.stores.Balances, a.stores.Audit, clock, logger),
		Reputations: a.stores.Reputations,
		Audit:       a.stores.Audit,
		Clock:       clock,
	}, dispute.DefaultConfig(), logger)

	a.handler = Routes(Config{APIKey: userKey, AdminKey: adminKey}, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Status:   handler.NewStatusHandler("api", orch.Retries(), nil),
		Markets:  handler.NewMarketHandler(a.stores.Markets, a.stores.Disputes, orch, logger),
		Disputes: handler.NewDisputeHandler(mgr, handler.SubmissionLimit{Limiter: limiter, Limit: 1, Window: time.Hour}, logger),
		Reviews:  handler.NewReviewHandler(a.stores.Reviews, orch, logger),
	}, nil, logger)
	return a
}

func (a *testAPI) seed(t *testing.T, id string) {
	t.Helper()
	ref := "0xc-" + id
	a.ledger.Deploy(ref, closeAt)
	require.NoError(t, a.stores.Markets.Create(context.Background(), domain.Market{
		ID:             id,
		ClaimText:      "claim " + id,
		ClaimCloseTime: closeAt,
		ContractRef:    ref,
	}))
}

func (a *testAPI) do(t *testing.T, method, path, key, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("X-Actor", "ops@test")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealthSkipsAuth(t *testing.T) {
	a := newTestAPI(t, nil)
	code, body := a.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRoles(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")

	code, _ := a.do(t, http.MethodGet, "/api/markets/m1", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = a.do(t, http.MethodGet, "/api/markets/m1", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := a.do(t, http.MethodGet, "/api/markets/m1", userKey, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"])

	code, _ = a.do(t, http.MethodPost, "/api/markets/m1/preliminary", userKey, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = a.do(t, http.MethodGet, "/api/status", adminKey, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestPreliminaryEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")

	code, body := a.do(t, http.MethodPost, "/api/markets/m1/preliminary", adminKey, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "disputable", body["status"])
	res := body["resolution"].(map[string]any)
	assert.Equal(t, "yes", res["preliminary_outcome"])
	assert.EqualValues(t, 93, res["preliminary_confidence"])

	code, _ = a.do(t, http.MethodPost, "/api/markets/missing/preliminary", adminKey, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodPost, "/api/markets/m1/preliminary", adminKey, `{"outcome":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPreliminaryRejectsOpenClaimWindow(t *testing.T) {
	a := newTestAPI(t, nil)
	require.NoError(t, a.stores.Markets.Create(context.Background(), domain.Market{
		ID:             "future",
		ClaimCloseTime: closeAt.Add(48 * time.Hour),
		ContractRef:    "0xfuture",
	}))

	code, _ := a.do(t, http.MethodPost, "/api/markets/future/preliminary", adminKey, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestFinalEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")
	code, _ := a.do(t, http.MethodPost, "/api/markets/m1/preliminary", adminKey, "")
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, "/api/markets/m1/final", adminKey, `{"outcome":"yes","confidence":101}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.do(t, http.MethodPost, "/api/markets/m1/final", adminKey, `{"outcome":"yes","confidence":88}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "resolved", body["status"])
	res := body["resolution"].(map[string]any)
	assert.Equal(t, "ops@test", res["resolved_by"])

	code, _ = a.do(t, http.MethodPost, "/api/markets/m1/final", adminKey, `{"outcome":"no","confidence":88}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestOverrideEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")

	code, _ := a.do(t, http.MethodPost, "/api/markets/m1/override", adminKey, `{"status":"canceled"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.do(t, http.MethodPost, "/api/markets/m1/override", adminKey, `{"status":"canceled","reason":"duplicate market"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "canceled", body["status"])

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/markets/m1/events", nil)
	req.Header.Set("X-API-Key", userKey)
	a.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "canceled", last["to"])
	assert.Equal(t, true, last["override"])
}

func TestDisputeFlow(t *testing.T) {
	a := newTestAPI(t, &countingLimiter{n: 1})
	a.seed(t, "m1")
	a.stores.Balances.Credit("alice", decimal.NewFromInt(500))

	code, body := a.do(t, http.MethodGet, "/api/disputes/eligibility?user=alice&market=m1", userKey, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, string(domain.RejectMarketNotDisputable), body["reason"])

	code, _ = a.do(t, http.MethodPost, "/api/markets/m1/preliminary", adminKey, "")
	require.Equal(t, http.StatusOK, code)

	code, body = a.do(t, http.MethodPost, "/api/disputes", userKey,
		`{"user_id":"alice","market_id":"m1","evidence_ref":"s3://evidence/a.json","reason":"wrong source"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "100", body["bond_amount"])
	disputeID := body["id"].(string)

	code, _ = a.do(t, http.MethodPost, "/api/disputes", userKey, `{"user_id":"alice","market_id":"m1"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = a.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/resolve", adminKey, `{"outcome":"upheld","quality":"great"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/resolve", adminKey, `{"outcome":"upheld","quality":"high","notes":"source misread"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "upheld", body["status"])
	assert.EqualValues(t, 100, body["refund_percent"])

	code, _ = a.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/resolve", adminKey, `{"outcome":"rejected","quality":"low"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestDisputeRejectionCarriesReason(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")
	code, _ := a.do(t, http.MethodPost, "/api/markets/m1/preliminary", adminKey, "")
	require.Equal(t, http.StatusOK, code)

	code, body := a.do(t, http.MethodPost, "/api/disputes", userKey, `{"user_id":"broke","market_id":"m1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.RejectInsufficientBond), body["reason"])
}

func TestReviewsEmptyQueue(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/reviews", nil)
	req.Header.Set("X-API-Key", adminKey)
	a.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	code, _ := a.do(t, http.MethodPost, "/api/reviews/nope/dismiss", adminKey, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListMarketsFiltersStatus(t *testing.T) {
	a := newTestAPI(t, nil)
	a.seed(t, "m1")
	a.seed(t, "m2")
	code, _ := a.do(t, http.MethodPost, "/api/markets/m2/preliminary", adminKey, "")
	require.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/markets?status=disputable", nil)
	req.Header.Set("X-API-Key", userKey)
	a.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var markets []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "m2", markets[0]["id"])

	code, _ = a.do(t, http.MethodGet, "/api/markets?status=bogus", userKey, "")
	assert.Equal(t, http.StatusBadRequest, code)
}
