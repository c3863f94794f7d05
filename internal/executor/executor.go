// Package executor submits mirror orders to the exchange, or pretends to in
// dry-run mode.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
)

// OrderClient places one mirror order. Implementations make at most one
// attempt per call.
type OrderClient interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
}

// DryRunClient accepts every order without contacting the exchange.
type DryRunClient struct {
	logger *slog.Logger
}

// NewDryRunClient creates a DryRunClient.
func NewDryRunClient(logger *slog.Logger) *DryRunClient {
	return &DryRunClient{logger: logger.With(slog.String("component", "dry_run_client"))}
}

// Submit reports the order as filled in full.
func (c *DryRunClient) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	c.logger.InfoContext(ctx, "dry run: order not sent",
		slog.String("token_id", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("shares", req.Shares),
		slog.Float64("usd", req.USD),
	)
	return domain.OrderResult{
		Success:        true,
		Status:         "dry_run",
		ExecutedShares: req.Shares,
		ExecutedUSD:    req.USD,
		DryRun:         true,
	}, nil
}

// Exchange is the part of the CLOB client the live order client uses.
type Exchange interface {
	GetBook(ctx context.Context, tokenID string) (polymarket.APIBook, error)
	PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
}

// marketRules are the per-token order constraints read from the book.
type marketRules struct {
	minShares float64
	tick      float64
}

// LiveClient submits GTC limit orders at the observed price, raised to the
// market's minimum size and to the minimum notional.
type LiveClient struct {
	exchange        Exchange
	limiter         domain.RateLimiter
	ordersPerMinute int
	limiterKey      string

	mu    sync.Mutex
	rules map[string]marketRules

	logger *slog.Logger
}

// NewLiveClient creates a LiveClient. limiter may be nil; otherwise at most
// ordersPerMinute orders are sent per account across all instances.
func NewLiveClient(exchange Exchange, limiter domain.RateLimiter, ordersPerMinute int, account string, logger *slog.Logger) *LiveClient {
	return &LiveClient{
		exchange:        exchange,
		limiter:         limiter,
		ordersPerMinute: ordersPerMinute,
		limiterKey:      "polycopy:orders:" + strings.ToLower(account),
		rules:           make(map[string]marketRules),
		logger:          logger.With(slog.String("component", "live_client")),
	}
}

// Submit adjusts req to the exchange minimums and places it.
func (c *LiveClient) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Price <= 0 {
		return domain.OrderResult{Error: "non-positive price"}, fmt.Errorf("executor: %w: price %g", domain.ErrInvalidOrder, req.Price)
	}

	if c.limiter != nil && c.ordersPerMinute > 0 {
		ok, err := c.limiter.Allow(ctx, c.limiterKey, c.ordersPerMinute, time.Minute)
		if err != nil {
			c.logger.WarnContext(ctx, "executor: rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return domain.OrderResult{Status: "rate_limited", Error: "order rate limit reached"},
				fmt.Errorf("executor: %w", domain.ErrRateLimited)
		}
	}

	rules := c.marketRules(ctx, req.TokenID)
	shares, notes := applyMinimums(req.Shares, req.Price, rules.minShares)
	req.Shares = shares
	req.USD = shares * req.Price
	req.TickSize = rules.tick

	res, err := c.exchange.PlaceLimitOrder(ctx, req)
	res.Note = strings.Join(notes, "; ")
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res, fmt.Errorf("executor: place order: %w", err)
	}
	if res.ExecutedShares == 0 {
		res.ExecutedShares = req.Shares
		res.ExecutedUSD = req.USD
	}

	c.logger.InfoContext(ctx, "executor: order placed",
		slog.String("order_id", res.OrderID),
		slog.String("status", res.Status),
		slog.String("token_id", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.Float64("shares", req.Shares),
		slog.Float64("price", req.Price),
	)
	return res, nil
}

// applyMinimums raises shares to the market minimum and then to the
// minimum notional, rounding up to whole cents of a share.
func applyMinimums(shares, price, minShares float64) (float64, []string) {
	var notes []string
	if minShares > 0 && shares < minShares {
		shares = minShares
		notes = append(notes, fmt.Sprintf("raised to market min %.2f shares", minShares))
	}
	if shares*price < domain.MinOrderUSD {
		shares = math.Ceil(domain.MinOrderUSD/price*100) / 100
		notes = append(notes, "raised to $1 min")
	}
	return shares, notes
}

// marketRules returns the cached rules for tokenID, fetching the book on a
// miss. A failed fetch is not cached and falls back to no minimum.
func (c *LiveClient) marketRules(ctx context.Context, tokenID string) marketRules {
	c.mu.Lock()
	r, ok := c.rules[tokenID]
	c.mu.Unlock()
	if ok {
		return r
	}

	book, err := c.exchange.GetBook(ctx, tokenID)
	if err != nil {
		c.logger.WarnContext(ctx, "executor: book unavailable, using defaults",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return marketRules{}
	}
	r = marketRules{minShares: float64(book.MinOrderSize), tick: float64(book.TickSize)}

	c.mu.Lock()
	c.rules[tokenID] = r
	c.mu.Unlock()
	return r
}
