package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

type fakePager struct {
	mu    sync.Mutex
	pages map[string][]domain.Fill
	errs  map[string]error
	calls map[string]int
}

func newFakePager() *fakePager {
	return &fakePager{
		pages: make(map[string][]domain.Fill),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (p *fakePager) FetchTrades(_ context.Context, wallet string, limit, offset int) ([]domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[wallet]++
	if err := p.errs[wallet]; err != nil {
		return nil, err
	}
	page := p.pages[wallet]
	if offset >= len(page) {
		return nil, nil
	}
	end := min(offset+limit, len(page))
	return page[offset:end], nil
}

type memCursorStore struct {
	saved map[string]domain.TraderCursor
	saves int
}

func (s *memCursorStore) LoadCursors(context.Context) (map[string]domain.TraderCursor, error) {
	out := make(map[string]domain.TraderCursor, len(s.saved))
	for k, v := range s.saved {
		out[k] = v
	}
	return out, nil
}

func (s *memCursorStore) SaveCursors(_ context.Context, c map[string]domain.TraderCursor) error {
	s.saved = c
	s.saves++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const w1 = "0x1111111111111111111111111111111111111111"

func fill(ts int64, hash, token string, side domain.Side, size, price float64) domain.Fill {
	return domain.Fill{Wallet: w1, TokenID: token, Side: side, Size: size, Price: price, Timestamp: ts, TransactionHash: hash}
}

func TestAggregateMergesSameTransaction(t *testing.T) {
	got := Aggregate([]domain.Fill{
		fill(100, "0xAB", "t1", domain.SideBuy, 10, 0.40),
		fill(101, "0xab", "t1", domain.SideBuy, 30, 0.60),
		fill(99, "0xcd", "t1", domain.SideBuy, 5, 0.50),
	})
	require.Len(t, got, 2)

	assert.Equal(t, int64(99), got[0].Timestamp)
	assert.InDelta(t, 40.0, got[1].Size, 1e-9)
	assert.InDelta(t, 0.55, got[1].Price, 1e-9)
	assert.Equal(t, int64(101), got[1].Timestamp)
}

func TestAggregateKeepsSidesAndTokensApart(t *testing.T) {
	got := Aggregate([]domain.Fill{
		fill(100, "0xab", "t1", domain.SideBuy, 1, 0.5),
		fill(100, "0xab", "t1", domain.SideSell, 1, 0.5),
		fill(100, "0xab", "t2", domain.SideBuy, 1, 0.5),
	})
	assert.Len(t, got, 3)
}

func TestAggregateWithoutHashGroupsByPrice(t *testing.T) {
	got := Aggregate([]domain.Fill{
		fill(100, "", "t1", domain.SideBuy, 1, 0.5),
		fill(100, "", "t1", domain.SideBuy, 2, 0.5),
		fill(100, "", "t1", domain.SideBuy, 1, 0.6),
	})
	require.Len(t, got, 2)
	assert.InDelta(t, 3.0, got[0].Size, 1e-9)
	assert.InDelta(t, 0.5, got[0].Price, 1e-9)
}

func TestAggregateZeroSizePassesThrough(t *testing.T) {
	got := Aggregate([]domain.Fill{
		fill(100, "0xab", "t1", domain.SideBuy, 0, 0.5),
		fill(100, "0xab", "t1", domain.SideBuy, 0, 0.7),
	})
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Size)
	assert.Zero(t, got[0].Price)
}

func newMonitor(p TradePager, store domain.CursorStore, now time.Time) *TradeMonitor {
	m := NewTradeMonitor(p, store, 0, discardLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestPollFirstObservationBaselines(t *testing.T) {
	p := newFakePager()
	p.pages[w1] = []domain.Fill{fill(50, "0x1", "t", domain.SideBuy, 1, 0.5)}
	now := time.Unix(1_000, 0)
	m := newMonitor(p, nil, now)
	assert.Equal(t, []string{w1}, m.UpdateTraders([]Trader{{Name: "alice", Wallet: w1}}))

	b := m.Poll(context.Background(), w1)
	assert.Empty(t, b.Fills)
	assert.Equal(t, int64(1_000), b.Next.LastSeenTimestamp)
	assert.Zero(t, p.calls[w1])
}

func TestPollTwiceEmitsNothingSecondTime(t *testing.T) {
	ctx := context.Background()
	p := newFakePager()
	p.pages[w1] = []domain.Fill{
		fill(120, "0x2", "t", domain.SideSell, 2, 0.7),
		fill(110, "0x1", "t", domain.SideBuy, 1, 0.5),
		fill(90, "0x0", "t", domain.SideBuy, 1, 0.5),
	}
	store := &memCursorStore{saved: map[string]domain.TraderCursor{w1: domain.NewCursorAt(100)}}
	m := newMonitor(p, store, time.Unix(200, 0))
	require.NoError(t, m.Load(ctx))
	m.UpdateTraders([]Trader{{Name: "alice", Wallet: w1}})

	b := m.Poll(ctx, w1)
	require.NoError(t, b.Err)
	require.Len(t, b.Fills, 2)
	assert.Equal(t, int64(110), b.Fills[0].Timestamp)
	assert.Equal(t, "alice", b.Fills[0].TraderName)
	require.NoError(t, m.Commit(ctx, b))
	assert.Equal(t, int64(120), store.saved[w1].LastSeenTimestamp)

	again := m.Poll(ctx, w1)
	assert.Empty(t, again.Fills)
}

func TestPollSameSecondBoundary(t *testing.T) {
	ctx := context.Background()
	p := newFakePager()
	p.pages[w1] = []domain.Fill{fill(100, "0xa", "t", domain.SideBuy, 1, 0.5)}
	m := newMonitor(p, nil, time.Unix(200, 0))
	m.UpdateTraders([]Trader{{Wallet: w1}})
	m.cursors[w1] = domain.NewCursorAt(99)

	require.NoError(t, m.Commit(ctx, m.Poll(ctx, w1)))

	// A second record lands in the same second after the first poll.
	p.pages[w1] = []domain.Fill{
		fill(100, "0xb", "t", domain.SideBuy, 2, 0.5),
		fill(100, "0xa", "t", domain.SideBuy, 1, 0.5),
	}
	b := m.Poll(ctx, w1)
	require.Len(t, b.Fills, 1)
	assert.Equal(t, "0xb", b.Fills[0].TransactionHash)
	require.NoError(t, m.Commit(ctx, b))

	c, _ := m.Cursor(w1)
	assert.Len(t, c.LastSeenHashes, 2)
	assert.Empty(t, m.Poll(ctx, w1).Fills)
}

func TestPollFetchErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	p := newFakePager()
	p.errs[w1] = errors.New("boom")
	now := time.Unix(500, 0)
	m := newMonitor(p, nil, now)
	m.UpdateTraders([]Trader{{Wallet: w1}})
	m.cursors[w1] = domain.TraderCursor{LastSeenTimestamp: 100, LastSeenHashes: []string{"x"}}

	batches := m.PollAll(ctx)
	require.Len(t, batches, 1)
	assert.Error(t, batches[0].Err)
	assert.Empty(t, batches[0].Fills)
	assert.Equal(t, int64(100), batches[0].Next.LastSeenTimestamp)
	assert.Equal(t, []string{"x"}, batches[0].Next.LastSeenHashes)
	assert.Equal(t, now, batches[0].Next.LastPolledAt)
}

func TestPollAllFetchesEveryWallet(t *testing.T) {
	ctx := context.Background()
	p := newFakePager()
	wallets := []Trader{{Wallet: "0xb"}, {Wallet: "0xa"}, {Wallet: "0xc"}}
	m := newMonitor(p, nil, time.Unix(10, 0))
	m.UpdateTraders(wallets)
	for _, w := range wallets {
		m.cursors[w.Wallet] = domain.NewCursorAt(1)
	}

	batches := m.PollAll(ctx)
	require.Len(t, batches, 3)
	assert.Equal(t, "0xa", batches[0].Trader.Wallet)
	for _, w := range wallets {
		assert.Equal(t, 1, p.calls[w.Wallet])
	}
}

func TestUpdateTradersDropsRemovedCursors(t *testing.T) {
	m := newMonitor(newFakePager(), nil, time.Unix(10, 0))
	assert.Equal(t, []string{"0xa", "0xb"}, m.UpdateTraders([]Trader{{Wallet: "0xb"}, {Wallet: "0xa"}}))
	m.cursors["0xa"] = domain.NewCursorAt(5)
	m.cursors["0xb"] = domain.NewCursorAt(5)

	added := m.UpdateTraders([]Trader{{Wallet: "0xb"}, {Wallet: "0xc"}})
	assert.Equal(t, []string{"0xc"}, added)
	_, ok := m.Cursor("0xa")
	assert.False(t, ok)
	_, ok = m.Cursor("0xb")
	assert.True(t, ok)
	assert.Equal(t, []string{"0xb", "0xc"}, m.Wallets())
}

func TestCommitIgnoresUntrackedWallets(t *testing.T) {
	store := &memCursorStore{}
	m := newMonitor(newFakePager(), store, time.Unix(10, 0))
	m.UpdateTraders([]Trader{{Wallet: "0xa"}})

	require.NoError(t, m.Commit(context.Background(),
		Batch{Trader: Trader{Wallet: "0xa"}, Next: domain.NewCursorAt(7)},
		Batch{Trader: Trader{Wallet: "0xz"}, Next: domain.NewCursorAt(7)},
	))
	assert.Len(t, store.saved, 1)
	assert.Equal(t, 1, store.saves)
}
