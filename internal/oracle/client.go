// Package oracle talks to the external confidence-scoring service.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// Client is the HTTP client for one confidence-scoring endpoint.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an oracle client. name labels the source on assessments.
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the source label.
func (c *Client) Name() string { return c.name }

type assessResponse struct {
	Outcome    string   `json:"outcome"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
	ToolsUsed  []string `json:"tools_used"`
}

// Assess posts the claim and evidence and decodes the verdict. Every failure
// (transport, timeout, non-2xx, malformed or undecided verdict) is reported
// as ErrOracleUnavailable so callers can fall back.
func (c *Client) Assess(ctx context.Context, req domain.OracleRequest) (domain.OracleAssessment, error) {
	body, err := c.doPost(ctx, "/v1/assess", req)
	if err != nil {
		return domain.OracleAssessment{}, fmt.Errorf("oracle/%s: assess %s: %w", c.name, req.MarketID, errors.Join(domain.ErrOracleUnavailable, err))
	}

	var resp assessResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OracleAssessment{}, fmt.Errorf("oracle/%s: decode %s: %w", c.name, req.MarketID, errors.Join(domain.ErrOracleUnavailable, err))
	}
	outcome, err := domain.ParseOutcome(resp.Outcome)
	if err != nil || !outcome.Decided() {
		return domain.OracleAssessment{}, fmt.Errorf("oracle/%s: %s: undecided outcome %q: %w", c.name, req.MarketID, resp.Outcome, domain.ErrOracleUnavailable)
	}
	if resp.Confidence == nil || *resp.Confidence < 0 || *resp.Confidence > 1 {
		return domain.OracleAssessment{}, fmt.Errorf("oracle/%s: %s: confidence missing or out of range: %w", c.name, req.MarketID, domain.ErrOracleUnavailable)
	}
	return domain.OracleAssessment{
		Outcome:    outcome,
		Confidence: *resp.Confidence,
		Rationale:  resp.Rationale,
		ToolsUsed:  resp.ToolsUsed,
		Source:     c.name,
	}, nil
}

// doPost sends an authenticated JSON POST and returns the body of a 2xx response.
func (c *Client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.ConfidenceOracle = (*Client)(nil)
