// Package marlin provides a Go client for the trading client's status API.
package marlin

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to a running marlin-trader status API.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the status API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
	}
}

// Health reports liveness and the configured trading environment.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}

// Outcomes returns the most recent pipeline outcomes, newest first.
func (c *Client) Outcomes(ctx context.Context, limit int) ([]OutcomeJSON, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	var out OutcomesResponse
	if err := c.get(ctx, "/api/outcomes", query, &out); err != nil {
		return nil, err
	}
	return out.Outcomes, nil
}

// PendingReconciliations returns outcomes still awaiting reconciliation.
func (c *Client) PendingReconciliations(ctx context.Context) ([]OutcomeJSON, error) {
	var out PendingResponse
	if err := c.get(ctx, "/api/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// Positions returns the account's net positions as reported by the broker.
func (c *Client) Positions(ctx context.Context) ([]PositionJSON, error) {
	var out PositionsResponse
	if err := c.get(ctx, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// Trades returns the trade count for a day in YYYY-MM-DD form.
func (c *Client) Trades(ctx context.Context, day string) (int, error) {
	var out TradesResponse
	if err := c.get(ctx, "/api/trades/"+day, nil, &out); err != nil {
		return 0, err
	}
	return out.Trades, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}
