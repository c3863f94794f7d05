package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExchange struct {
	book      polymarket.APIBook
	bookErr   error
	bookCalls int
	placed    []domain.OrderRequest
	result    domain.OrderResult
	placeErr  error
}

func (e *fakeExchange) GetBook(context.Context, string) (polymarket.APIBook, error) {
	e.bookCalls++
	return e.book, e.bookErr
}

func (e *fakeExchange) PlaceLimitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	e.placed = append(e.placed, req)
	return e.result, e.placeErr
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, l.err
}

func TestDryRunClient(t *testing.T) {
	res, err := NewDryRunClient(discardLogger()).Submit(context.Background(), domain.OrderRequest{
		TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 4, USD: 2,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.InDelta(t, 2.0, res.ExecutedUSD, 1e-9)
}

func TestLiveClientRaisesToMarketMin(t *testing.T) {
	ex := &fakeExchange{
		book:   polymarket.APIBook{MinOrderSize: 5, TickSize: 0.01},
		result: domain.OrderResult{Success: true, OrderID: "o1", Status: "live"},
	}
	c := NewLiveClient(ex, nil, 0, "0xabc", discardLogger())

	res, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 2, USD: 1})
	require.NoError(t, err)
	require.Len(t, ex.placed, 1)
	assert.InDelta(t, 5.0, ex.placed[0].Shares, 1e-9)
	assert.InDelta(t, 2.5, ex.placed[0].USD, 1e-9)
	assert.InDelta(t, 0.01, ex.placed[0].TickSize, 1e-9)
	assert.Equal(t, "raised to market min 5.00 shares", res.Note)
	assert.InDelta(t, 5.0, res.ExecutedShares, 1e-9)
}

func TestLiveClientRaisesToDollarMin(t *testing.T) {
	ex := &fakeExchange{result: domain.OrderResult{Success: true}}
	c := NewLiveClient(ex, nil, 0, "0xabc", discardLogger())

	res, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.3, Shares: 1})
	require.NoError(t, err)
	assert.InDelta(t, 3.34, ex.placed[0].Shares, 1e-9)
	assert.GreaterOrEqual(t, ex.placed[0].USD, domain.MinOrderUSD)
	assert.Equal(t, "raised to $1 min", res.Note)
}

func TestLiveClientCachesBook(t *testing.T) {
	ex := &fakeExchange{book: polymarket.APIBook{MinOrderSize: 1}, result: domain.OrderResult{Success: true}}
	c := NewLiveClient(ex, nil, 0, "0xabc", discardLogger())

	for range 3 {
		_, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 10})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, ex.bookCalls)
}

func TestLiveClientBookErrorNotCached(t *testing.T) {
	ex := &fakeExchange{bookErr: errors.New("down"), result: domain.OrderResult{Success: true}}
	c := NewLiveClient(ex, nil, 0, "0xabc", discardLogger())

	for range 2 {
		_, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideSell, Price: 0.5, Shares: 10})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, ex.bookCalls)
	assert.InDelta(t, 10.0, ex.placed[1].Shares, 1e-9)
}

func TestLiveClientRateLimited(t *testing.T) {
	ex := &fakeExchange{}
	c := NewLiveClient(ex, fakeLimiter{allow: false}, 10, "0xabc", discardLogger())

	res, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 10})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.False(t, res.Success)
	assert.Empty(t, ex.placed)
}

func TestLiveClientLimiterErrorFailsOpen(t *testing.T) {
	ex := &fakeExchange{result: domain.OrderResult{Success: true}}
	c := NewLiveClient(ex, fakeLimiter{err: errors.New("redis down")}, 10, "0xabc", discardLogger())

	_, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 10})
	require.NoError(t, err)
	assert.Len(t, ex.placed, 1)
}

func TestLiveClientPlaceError(t *testing.T) {
	ex := &fakeExchange{placeErr: errors.New("insufficient balance")}
	c := NewLiveClient(ex, nil, 0, "0xabc", discardLogger())

	res, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "t", Side: domain.SideBuy, Price: 0.5, Shares: 10})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient balance", res.Error)
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("b"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, d.Cleanup())
	assert.Zero(t, d.Len())
	assert.False(t, d.IsDuplicate("a"))
}
