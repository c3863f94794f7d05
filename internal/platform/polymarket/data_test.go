package polymarket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

const wallet = "0xAbCdEf0000000000000000000000000000000001"

func TestFetchTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades", r.URL.Path)
		assert.Equal(t, wallet, r.URL.Query().Get("user"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "100", r.URL.Query().Get("offset"))
		assert.Equal(t, "false", r.URL.Query().Get("takerOnly"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"proxyWallet":"x","timestamp":1700000100,"transactionHash":"0xAA","side":"BUY","size":"10.5","price":0.42,"asset":"tok1","conditionId":"c1","title":"Will it rain?","outcome":"Yes"},
			{"timestamp":1700000050,"side":"sell","size":3,"price":"0.6","asset":"tok2","conditionId":"c2"},
			{"timestamp":1700000000,"side":"MERGE","size":1,"price":1,"asset":"tok3"}
		]`))
	}))
	defer srv.Close()

	c := NewDataClient(srv.URL + "/")
	fills, err := c.FetchTrades(context.Background(), wallet, 50, 100)
	require.NoError(t, err)
	require.Len(t, fills, 2)

	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", fills[0].Wallet)
	assert.Equal(t, domain.SideBuy, fills[0].Side)
	assert.InDelta(t, 10.5, fills[0].Size, 1e-9)
	assert.InDelta(t, 0.42, fills[0].Price, 1e-9)
	assert.Equal(t, int64(1700000100), fills[0].Timestamp)
	assert.Equal(t, "tok1", fills[0].TokenID)
	assert.Equal(t, "c1", fills[0].MarketID)
	assert.Equal(t, "Will it rain?", fills[0].Title)

	assert.Equal(t, domain.SideSell, fills[1].Side)
	assert.InDelta(t, 0.6, fills[1].Price, 1e-9)
	assert.Empty(t, fills[1].TransactionHash)
}

func TestFetchTradesErrorStatus(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", status)
		}))

		_, err := NewDataClient(srv.URL).FetchTrades(context.Background(), wallet, 10, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrFeedUnavailable), "status %d", status)
		srv.Close()
	}
}

func TestFetchTradesTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewDataClient(url).FetchTrades(context.Background(), wallet, 10, 0)
	require.ErrorIs(t, err, domain.ErrFeedUnavailable)
}

func TestFetchTradesRateLimitedIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewDataClient(srv.URL).FetchTrades(context.Background(), wallet, 10, 0)
	require.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestFetchPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		assert.Equal(t, "TOKENS", r.URL.Query().Get("sortBy"))
		assert.Equal(t, "0.1", r.URL.Query().Get("sizeThreshold"))
		_, _ = w.Write([]byte(`[
			{"asset":"tok1","conditionId":"c1","size":100,"avgPrice":0.4,"currentValue":"55.5","initialValue":40,"cashPnl":15.5,"title":"T","outcome":"Yes"}
		]`))
	}))
	defer srv.Close()

	positions, err := NewDataClient(srv.URL).FetchPositions(context.Background(), wallet)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "tok1", positions[0].TokenID)
	assert.InDelta(t, 55.5, positions[0].CurrentValue, 1e-9)
	assert.InDelta(t, 15.5, positions[0].CashPnL, 1e-9)
}

func TestFetchPositionsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	_, err := NewDataClient(srv.URL).FetchPositions(context.Background(), wallet)
	require.Error(t, err)
}
