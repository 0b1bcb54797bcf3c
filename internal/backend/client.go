// Package backend is the HTTP client for the portfolio data services:
// portfolio, holdings, performance, activity, balance, transfer, and
// historical market data lookups. The orchestration layer treats these
// results as opaque domain objects; formatting them for the model is
// the tool layer's job.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openfolio/advisor-agent/internal/httpkit"
)

// Client talks to the backend data services. Market-data requests go
// through a retrying client: upstream quote providers intermittently
// time out, and those lookups are idempotent. Everything else fails
// fast.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	marketHTTP *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client for the given base URL. token is
// the service credential for the data services; empty disables the
// Authorization header.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		marketHTTP: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Portfolio is the account-level overview.
type Portfolio struct {
	TotalValue float64            `json:"totalValue"`
	Currency   string             `json:"currency"`
	Allocation map[string]float64 `json:"allocation"` // asset class → weight
}

// Holding is a single position.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
}

// Performance summarizes returns over a named range.
type Performance struct {
	Range      string  `json:"range"`
	ReturnPct  float64 `json:"returnPct"`
	StartValue float64 `json:"startValue"`
	EndValue   float64 `json:"endValue"`
}

// Report is the combined portfolio report.
type Report struct {
	AsOf        string    `json:"asOf"`
	TotalValue  float64   `json:"totalValue"`
	ReturnYTD   float64   `json:"returnYtdPct"`
	TopHoldings []Holding `json:"topHoldings"`
}

// Activity is one account event (order, dividend, transfer).
type Activity struct {
	Date     string  `json:"date"`
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Amount   float64 `json:"amount"`
}

// PricePoint is one bar of historical market data.
type PricePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// Balance is one account's cash balance.
type Balance struct {
	Account  string  `json:"account"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

// MarketHistoryQuery selects a symbol and date range from a provider.
type MarketHistoryQuery struct {
	Symbol     string
	From       string
	To         string
	DataSource string
}

// TransferRequest moves cash between two of the user's accounts.
type TransferRequest struct {
	FromAccount string  `json:"fromAccount"`
	ToAccount   string  `json:"toAccount"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

// TransferResult is the backend's acknowledgement of a transfer.
type TransferResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Portfolio returns the user's portfolio overview.
func (c *Client) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	var out Portfolio
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/portfolio", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Holdings returns the user's positions.
func (c *Client) Holdings(ctx context.Context, userID string) ([]Holding, error) {
	var out []Holding
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/holdings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Performance returns returns for a named range ("ytd", "1y", "max").
func (c *Client) Performance(ctx context.Context, userID, rng string) (*Performance, error) {
	q := url.Values{}
	if rng != "" {
		q.Set("range", rng)
	}
	var out Performance
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/performance", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report returns the combined portfolio report.
func (c *Client) Report(ctx context.Context, userID string) (*Report, error) {
	var out Report
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/portfolio/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activities returns the user's most recent account events.
func (c *Client) Activities(ctx context.Context, userID string, limit int) ([]Activity, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Activity
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/activities", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketHistory fetches historical prices. This is the one upstream call
// that goes through the retrying client.
func (c *Client) MarketHistory(ctx context.Context, userID string, query MarketHistoryQuery) ([]PricePoint, error) {
	q := url.Values{}
	q.Set("symbol", query.Symbol)
	q.Set("from", query.From)
	q.Set("to", query.To)
	if query.DataSource != "" {
		q.Set("dataSource", query.DataSource)
	}
	var out []PricePoint
	if err := c.getJSON(ctx, c.marketHTTP, userID, "/api/v1/market/history", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Balances returns the user's cash balances per account.
func (c *Client) Balances(ctx context.Context, userID string) ([]Balance, error) {
	var out []Balance
	if err := c.getJSON(ctx, c.http, userID, "/api/v1/balances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransferCash submits a cash transfer between the user's accounts.
func (c *Client) TransferCash(ctx context.Context, userID string, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq, userID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("backend transfer: status %d: %s", resp.StatusCode, errBody)
	}

	var out TransferResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode transfer result: %w", err)
	}
	return &out, nil
}

func (c *Client) setAuth(req *http.Request, userID string) {
	req.Header.Set("X-User-ID", userID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) getJSON(ctx context.Context, client *http.Client, userID, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req, userID)

	c.logger.Debug("backend request", "path", path, "user", userID)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("backend %s: status %d: %s", path, resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
