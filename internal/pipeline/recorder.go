// Package pipeline contains the background jobs that run alongside the live
// mirror: the resumable trade recorder and the cold-storage archiver.
package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/feed"
)

// DefaultRecorderPageSize is the page size of recorder history walks.
const DefaultRecorderPageSize = 200

// RecorderConfig holds the recorder tunables.
type RecorderConfig struct {
	PageSize     int
	PollInterval time.Duration
}

// Recorder keeps a gap-free, append-only log of every fill of each tracked
// wallet. A wallet without a cursor or log is bootstrapped from its full
// history; afterwards each cycle walks back only until it reaches the
// cursor.
type Recorder struct {
	pager  feed.TradePager
	log    domain.TradeLog
	store  domain.CursorStore
	sink   domain.FillStore
	cfg    RecorderConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []feed.Trader
	queued  bool

	traders map[string]feed.Trader
	cursors map[string]domain.TraderCursor
	now     func() time.Time
}

// NewRecorder creates a Recorder. sink may be nil.
func NewRecorder(pager feed.TradePager, log domain.TradeLog, store domain.CursorStore, sink domain.FillStore, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultRecorderPageSize
	}
	return &Recorder{
		pager:   pager,
		log:     log,
		store:   store,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "recorder")),
		traders: make(map[string]feed.Trader),
		cursors: make(map[string]domain.TraderCursor),
		now:     time.Now,
	}
}

// Load restores the persisted cursors.
func (r *Recorder) Load(ctx context.Context) error {
	cursors, err := r.store.LoadCursors(ctx)
	if err != nil {
		return fmt.Errorf("recorder: load state: %w", err)
	}
	r.cursors = cursors
	return nil
}

// QueueTraders schedules a new tracked set for the next cycle. It is safe to
// call from any goroutine.
func (r *Recorder) QueueTraders(traders []feed.Trader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = slices.Clone(traders)
	r.queued = true
}

func (r *Recorder) applyQueued(ctx context.Context) {
	r.mu.Lock()
	pending, queued := r.pending, r.queued
	r.pending, r.queued = nil, false
	r.mu.Unlock()
	if !queued {
		return
	}

	next := make(map[string]feed.Trader, len(pending))
	for _, t := range pending {
		next[t.Wallet] = t
		if _, ok := r.traders[t.Wallet]; !ok {
			r.logger.InfoContext(ctx, "recorder: trader added",
				slog.String("wallet", t.Wallet),
				slog.String("trader", t.Name),
			)
		}
	}
	for wallet := range r.traders {
		if _, ok := next[wallet]; !ok {
			r.logger.InfoContext(ctx, "recorder: trader removed", slog.String("wallet", wallet))
		}
	}
	r.traders = next
}

// Cursor returns the cursor of wallet.
func (r *Recorder) Cursor(wallet string) (domain.TraderCursor, bool) {
	c, ok := r.cursors[wallet]
	return c, ok
}

// Run records every PollInterval until ctx is cancelled, then persists the
// state and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	interval := max(r.cfg.PollInterval, time.Second)
	r.logger.InfoContext(ctx, "recorder: started",
		slog.Duration("poll_interval", interval),
		slog.Int("page_size", r.cfg.PageSize),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.RunCycle(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			if err := r.Flush(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			r.logger.InfoContext(ctx, "recorder: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush persists the cursors.
func (r *Recorder) Flush(ctx context.Context) error {
	if err := r.store.SaveCursors(ctx, maps.Clone(r.cursors)); err != nil {
		return fmt.Errorf("recorder: save state: %w", err)
	}
	return nil
}

type walletResult struct {
	wallet   string
	cursor   domain.TraderCursor
	recorded int
	err      error
}

// RunCycle applies queued trader changes and records every tracked wallet.
// Wallets are processed concurrently; a wallet whose walk fails keeps its
// cursor and is retried next cycle. Only a failure to persist the state is
// returned.
func (r *Recorder) RunCycle(ctx context.Context) error {
	r.applyQueued(ctx)

	wallets := slices.Sorted(maps.Keys(r.traders))
	results := make([]walletResult, len(wallets))

	var g errgroup.Group
	for i, wallet := range wallets {
		trader := r.traders[wallet]
		cursor, hasCursor := r.cursors[wallet]
		g.Go(func() error {
			results[i] = r.recordWallet(ctx, trader, cursor, hasCursor)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, res := range results {
		if res.err != nil {
			r.logger.WarnContext(ctx, "recorder: wallet cycle aborted",
				slog.String("wallet", res.wallet),
				slog.String("error", res.err.Error()),
			)
			continue
		}
		r.cursors[res.wallet] = res.cursor
		total += res.recorded
	}
	if total > 0 {
		r.logger.InfoContext(ctx, "recorder: cycle complete", slog.Int("recorded", total))
	}
	return r.Flush(ctx)
}

func (r *Recorder) recordWallet(ctx context.Context, t feed.Trader, cursor domain.TraderCursor, hasCursor bool) walletResult {
	res := walletResult{wallet: t.Wallet}
	if !hasCursor || !r.log.Exists(t.Wallet, t.Name) {
		res.cursor, res.recorded, res.err = r.bootstrap(ctx, t)
	} else {
		res.cursor, res.recorded, res.err = r.catchUp(ctx, t, cursor)
	}
	if res.err == nil {
		res.cursor.LastPolledAt = r.now().UTC()
	}
	return res
}

// bootstrap rebuilds the wallet's log from its complete history.
func (r *Recorder) bootstrap(ctx context.Context, t feed.Trader) (domain.TraderCursor, int, error) {
	var all, prev []domain.Fill
	for offset := 0; ; offset += r.cfg.PageSize {
		page, err := r.pager.FetchTrades(ctx, t.Wallet, r.cfg.PageSize, offset)
		if err != nil {
			return domain.TraderCursor{}, 0, fmt.Errorf("recorder: bootstrap %s at offset %d: %w", t.Wallet, offset, err)
		}
		all = append(all, page[seamOverlap(prev, page):]...)
		if len(page) < r.cfg.PageSize {
			break
		}
		prev = page
	}

	fills := orderFills(all, t.Name)
	if err := r.log.Rewrite(t.Wallet, t.Name, fills); err != nil {
		return domain.TraderCursor{}, 0, err
	}
	r.mirror(ctx, fills)

	r.logger.InfoContext(ctx, "recorder: bootstrapped",
		slog.String("wallet", t.Wallet),
		slog.String("trader", t.Name),
		slog.Int("fills", len(fills)),
		slog.String("path", r.log.Path(t.Wallet, t.Name)),
	)
	return domain.NewCursorAt(0).Advance(fills), len(fills), nil
}

// catchUp walks back from the newest page until it reaches the cursor and
// appends what lies after it.
func (r *Recorder) catchUp(ctx context.Context, t feed.Trader, cursor domain.TraderCursor) (domain.TraderCursor, int, error) {
	var fresh, prev []domain.Fill
	for offset := 0; ; offset += r.cfg.PageSize {
		page, err := r.pager.FetchTrades(ctx, t.Wallet, r.cfg.PageSize, offset)
		if err != nil {
			return cursor, 0, fmt.Errorf("recorder: fetch %s at offset %d: %w", t.Wallet, offset, err)
		}
		fresh = append(fresh, feed.NewSince(cursor, page[seamOverlap(prev, page):])...)
		if len(page) < r.cfg.PageSize || minTimestamp(page) < cursor.LastSeenTimestamp {
			break
		}
		prev = page
	}
	if len(fresh) == 0 {
		return cursor, 0, nil
	}

	fills := orderFills(fresh, t.Name)
	if err := r.log.Append(t.Wallet, t.Name, fills); err != nil {
		return cursor, 0, err
	}
	r.mirror(ctx, fills)
	return cursor.Advance(fills), len(fills), nil
}

func (r *Recorder) mirror(ctx context.Context, fills []domain.Fill) {
	if r.sink == nil || len(fills) == 0 {
		return
	}
	if err := r.sink.InsertFills(ctx, fills); err != nil {
		r.logger.WarnContext(ctx, "recorder: fill store insert failed", slog.String("error", err.Error()))
	}
}

// seamOverlap returns how many leading records of page repeat the tail of
// prev. Trades landing during a newest-first offset walk shift the window, so
// the next page starts with records the previous one already returned.
// Identical records inside one page are distinct partial fills and are kept.
func seamOverlap(prev, page []domain.Fill) int {
	for k := min(len(prev), len(page)); k > 0; k-- {
		if slices.Equal(prev[len(prev)-k:], page[:k]) {
			return k
		}
	}
	return 0
}

// orderFills stamps the trader name and sorts oldest first.
func orderFills(fills []domain.Fill, name string) []domain.Fill {
	out := make([]domain.Fill, 0, len(fills))
	for _, f := range fills {
		f.TraderName = name
		out = append(out, f)
	}
	slices.SortStableFunc(out, func(a, b domain.Fill) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity(), b.Identity())
	})
	return out
}

func minTimestamp(page []domain.Fill) int64 {
	m := page[0].Timestamp
	for _, f := range page[1:] {
		m = min(m, f.Timestamp)
	}
	return m
}
