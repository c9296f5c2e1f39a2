package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestClientAssess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assess", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req domain.OracleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.MarketID)
		assert.Len(t, req.EvidenceItems, 1)

		_, _ = w.Write([]byte(`{"outcome":"yes","confidence":0.93,"rationale":"three sources agree","tools_used":["search"]}`))
	}))
	defer srv.Close()

	c := NewClient("primary", srv.URL, "k", time.Second)
	a, err := c.Assess(context.Background(), domain.OracleRequest{
		MarketID:      "m1",
		ClaimText:     "It rained in Nairobi on 1 May",
		EvidenceItems: []domain.EvidenceItem{{Ref: "evidence/m1/a.txt", Text: "rain"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, a.Outcome)
	assert.InDelta(t, 0.93, a.Confidence, 1e-9)
	assert.Equal(t, 93, a.ConfidencePercent())
	assert.Equal(t, "primary", a.Source)
}

func TestClientFailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"malformed": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{`))
		},
		"undecided": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"outcome":"unset","confidence":0.5}`))
		},
		"confidence out of range": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"outcome":"no","confidence":1.5}`))
		},
		"timeout": func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := NewClient("primary", srv.URL, "", 50*time.Millisecond)
			_, err := c.Assess(context.Background(), domain.OracleRequest{MarketID: "m"})
			assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
		})
	}
}

type mockOracle struct{ mock.Mock }

func (m *mockOracle) Assess(ctx context.Context, req domain.OracleRequest) (domain.OracleAssessment, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.OracleAssessment), args.Error(1)
}

func TestChainFallsBackAndDiscounts(t *testing.T) {
	primary, secondary := new(mockOracle), new(mockOracle)
	primary.On("Assess", mock.Anything, mock.Anything).Return(domain.OracleAssessment{}, domain.ErrOracleUnavailable).Once()
	secondary.On("Assess", mock.Anything, mock.Anything).Return(domain.OracleAssessment{Outcome: domain.OutcomeNo, Confidence: 0.9}, nil).Once()

	c := NewChain(discard(),
		Source{Oracle: primary, Name: "primary"},
		Source{Oracle: secondary, Name: "heuristic", Discount: 0.8},
	)
	a, err := c.Assess(context.Background(), domain.OracleRequest{MarketID: "m"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, a.Outcome)
	assert.InDelta(t, 0.72, a.Confidence, 1e-9)
	assert.Equal(t, "heuristic", a.Source)
	assert.Equal(t, []string{"primary", "heuristic"}, c.Sources())

	primary.AssertExpectations(t)
	secondary.AssertExpectations(t)
}

func TestChainAllFail(t *testing.T) {
	o := new(mockOracle)
	o.On("Assess", mock.Anything, mock.Anything).Return(domain.OracleAssessment{}, errors.New("boom"))
	_, err := NewChain(discard(), Source{Oracle: o, Name: "only"}).Assess(context.Background(), domain.OracleRequest{MarketID: "m"})
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)

	_, err = NewChain(discard()).Assess(context.Background(), domain.OracleRequest{MarketID: "m"})
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

type fakeBlobs map[string]string

func (f fakeBlobs) Get(_ context.Context, p string) (io.ReadCloser, error) {
	v, ok := f[p]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewBufferString(v)), nil
}

func (f fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range f {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (f fakeBlobs) Exists(_ context.Context, p string) (bool, error) {
	_, ok := f[p]
	return ok, nil
}

func TestBlobEvidence(t *testing.T) {
	blobs := fakeBlobs{
		"evidence/m1/01-report.txt": "official rainfall 12mm",
		"evidence/m1/02-photo.jpg":  "\xff\xd8",
		"evidence/m2/other.txt":     "unrelated",
	}
	items, err := NewBlobEvidence(blobs, 0, 0).Evidence(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "official rainfall 12mm", items[0].Text)
	assert.Equal(t, "evidence/m1/02-photo.jpg", items[1].Ref)
	assert.Empty(t, items[1].Text, "binary evidence is passed by reference")
}
