package feed

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// DefaultPageSize is the number of most recent records fetched per wallet
// and cycle.
const DefaultPageSize = 100

// TradePager fetches one page of a wallet's trade history, newest first.
type TradePager interface {
	FetchTrades(ctx context.Context, wallet string, limit, offset int) ([]domain.Fill, error)
}

// Trader identifies one tracked wallet.
type Trader struct {
	Name   string
	Wallet string // lowercased
}

// Batch is the result of polling one wallet. Next is the cursor to commit
// once Fills have been consumed.
type Batch struct {
	Trader Trader
	Fills  []domain.Fill
	Next   domain.TraderCursor
	Err    error
}

// TradeMonitor polls tracked wallets and emits the fills each has made since
// its cursor. Cursor state is owned by the caller's goroutine: Poll and
// PollAll only read it, Commit and UpdateTraders mutate it.
type TradeMonitor struct {
	pager    TradePager
	store    domain.CursorStore
	pageSize int
	traders  map[string]Trader
	cursors  map[string]domain.TraderCursor
	now      func() time.Time
	logger   *slog.Logger
}

// NewTradeMonitor creates a monitor. store may be nil, in which case cursors
// live only in memory.
func NewTradeMonitor(pager TradePager, store domain.CursorStore, pageSize int, logger *slog.Logger) *TradeMonitor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &TradeMonitor{
		pager:    pager,
		store:    store,
		pageSize: pageSize,
		traders:  make(map[string]Trader),
		cursors:  make(map[string]domain.TraderCursor),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "monitor")),
	}
}

// Load restores persisted cursors. Call it before the first UpdateTraders.
func (m *TradeMonitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	cursors, err := m.store.LoadCursors(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load cursors: %w", err)
	}
	maps.Copy(m.cursors, cursors)
	m.logger.InfoContext(ctx, "monitor: cursors restored", slog.Int("wallets", len(cursors)))
	return nil
}

// UpdateTraders replaces the tracked set and returns the wallets that were
// not tracked before. Cursors of wallets no longer tracked are dropped, so a
// wallet that is re-enabled later is baselined again.
func (m *TradeMonitor) UpdateTraders(traders []Trader) []string {
	next := make(map[string]Trader, len(traders))
	var added []string
	for _, t := range traders {
		next[t.Wallet] = t
		if _, ok := m.traders[t.Wallet]; !ok {
			added = append(added, t.Wallet)
		}
	}
	for wallet := range m.cursors {
		if _, ok := next[wallet]; !ok {
			delete(m.cursors, wallet)
		}
	}
	m.traders = next
	slices.Sort(added)
	return added
}

// Wallets returns the tracked wallets in sorted order.
func (m *TradeMonitor) Wallets() []string {
	return slices.Sorted(maps.Keys(m.traders))
}

// Cursor returns the committed cursor of wallet.
func (m *TradeMonitor) Cursor(wallet string) (domain.TraderCursor, bool) {
	c, ok := m.cursors[wallet]
	return c, ok
}

// Poll fetches the newest page of wallet's trades and returns the fills
// after its cursor, aggregated and sorted oldest first. A wallet seen for the
// first time yields no fills and a cursor positioned at the current time. A
// failed fetch yields no fills, the error, and a cursor that only records the
// poll time.
func (m *TradeMonitor) Poll(ctx context.Context, wallet string) Batch {
	now := m.now()
	trader := m.traders[wallet]
	if trader.Wallet == "" {
		trader = Trader{Wallet: wallet}
	}

	cursor, ok := m.cursors[wallet]
	if !ok {
		next := domain.NewCursorAt(now.Unix())
		next.LastPolledAt = now
		return Batch{Trader: trader, Next: next}
	}

	raw, err := m.pager.FetchTrades(ctx, wallet, m.pageSize, 0)
	if err != nil {
		next := cursor
		next.LastPolledAt = now
		return Batch{Trader: trader, Next: next, Err: err}
	}

	fills := Aggregate(NewSince(cursor, raw))
	for i := range fills {
		fills[i].TraderName = trader.Name
	}
	next := cursor.Advance(fills)
	next.LastPolledAt = now
	return Batch{Trader: trader, Fills: fills, Next: next}
}

// PollAll polls every tracked wallet concurrently and returns the batches in
// wallet order. Fetch failures are logged and reported per batch.
func (m *TradeMonitor) PollAll(ctx context.Context) []Batch {
	wallets := m.Wallets()
	batches := make([]Batch, len(wallets))

	var g errgroup.Group
	for i, wallet := range wallets {
		g.Go(func() error {
			batches[i] = m.Poll(ctx, wallet)
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range batches {
		if b.Err != nil {
			m.logger.WarnContext(ctx, "monitor: fetch failed",
				slog.String("wallet", b.Trader.Wallet),
				slog.String("trader", b.Trader.Name),
				slog.String("error", b.Err.Error()),
			)
		}
	}
	return batches
}

// Commit records the cursors of consumed batches and persists the full
// cursor set. Batches for wallets no longer tracked are ignored.
func (m *TradeMonitor) Commit(ctx context.Context, batches ...Batch) error {
	for _, b := range batches {
		if _, ok := m.traders[b.Trader.Wallet]; !ok {
			continue
		}
		m.cursors[b.Trader.Wallet] = b.Next
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveCursors(ctx, maps.Clone(m.cursors)); err != nil {
		return fmt.Errorf("monitor: save cursors: %w", err)
	}
	return nil
}
