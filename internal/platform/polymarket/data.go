// Package polymarket contains the REST clients for the Polymarket data API
// and the CLOB.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// DataClient reads public trade and position history from the Polymarket
// data API.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDataClient creates a data API client. baseURL is the API root, e.g.
// "https://data-api.polymarket.com".
func NewDataClient(baseURL string) *DataClient {
	return &DataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FetchTrades returns one page of wallet's trades, newest first. Records with
// an unrecognised side are dropped. Any non-2xx response or transport failure
// is returned as an error wrapping domain.ErrFeedUnavailable.
func (c *DataClient) FetchTrades(ctx context.Context, wallet string, limit, offset int) ([]domain.Fill, error) {
	q := url.Values{}
	q.Set("user", wallet)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("takerOnly", "false")

	var page []APITrade
	if err := c.getJSON(ctx, "/trades", q, &page); err != nil {
		return nil, fmt.Errorf("polymarket/data: trades for %s: %w", wallet, err)
	}

	fills := make([]domain.Fill, 0, len(page))
	for i := range page {
		if f, ok := page[i].ToDomainFill(wallet); ok {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// FetchPositions returns wallet's open positions with at least 0.1 shares.
func (c *DataClient) FetchPositions(ctx context.Context, wallet string) ([]domain.Position, error) {
	q := url.Values{}
	q.Set("user", wallet)
	q.Set("sortBy", "TOKENS")
	q.Set("sortDirection", "DESC")
	q.Set("sizeThreshold", "0.1")

	var raw []APIPosition
	if err := c.getJSON(ctx, "/positions", q, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/data: positions for %s: %w", wallet, err)
	}

	positions := make([]domain.Position, 0, len(raw))
	for i := range raw {
		positions = append(positions, raw[i].ToDomainPosition())
	}
	return positions, nil
}

func (c *DataClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrFeedUnavailable, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
