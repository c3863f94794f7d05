package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/executor"
	"github.com/alanyoungcy/polycopy/internal/feed"
)

type scriptedPager struct {
	pages map[string][]domain.Fill
}

func (p *scriptedPager) FetchTrades(_ context.Context, wallet string, _, offset int) ([]domain.Fill, error) {
	if offset > 0 {
		return nil, nil
	}
	return p.pages[wallet], nil
}

type recordingOrders struct {
	reqs   []domain.OrderRequest
	result domain.OrderResult
	err    error
}

func (o *recordingOrders) Submit(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	o.reqs = append(o.reqs, req)
	if o.err != nil {
		return domain.OrderResult{Error: o.err.Error()}, o.err
	}
	res := o.result
	if res.ExecutedUSD == 0 {
		res.ExecutedShares, res.ExecutedUSD = req.Shares, req.USD
	}
	return res, nil
}

type memSink struct {
	events []domain.ActivityEvent
}

func (s *memSink) Record(_ context.Context, ev domain.ActivityEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type failingSink struct{}

func (failingSink) Record(context.Context, domain.ActivityEvent) error { return errors.New("sink down") }

type memLedgerStore struct {
	state domain.ExposureState
	saves int
}

func (s *memLedgerStore) LoadLedger(context.Context) (domain.ExposureState, error) {
	return s.state, nil
}

func (s *memLedgerStore) SaveLedger(_ context.Context, st domain.ExposureState) error {
	s.state = st
	s.saves++
	return nil
}

type countingLease struct {
	refreshes int
	err       error
}

func (l *countingLease) Refresh(context.Context) error { l.refreshes++; return l.err }
func (l *countingLease) Release()                      {}

type mirrorHarness struct {
	svc     *MirrorService
	pager   *scriptedPager
	orders  *recordingOrders
	sink    *memSink
	ledgers *memLedgerStore
	lease   *countingLease
}

func newMirrorHarness(t *testing.T, orders *recordingOrders, dryRun bool) *mirrorHarness {
	t.Helper()
	logger := discardLogger()
	pager := &scriptedPager{pages: map[string][]domain.Fill{}}
	positions := fakePositions{positions: map[string][]domain.Position{
		walletA: {{TokenID: "other", CurrentValue: 1000}},
	}}

	ledger := NewExposureLedger()
	portfolios := NewPortfolioService(positions, logger)
	risk := NewRiskService(portfolios, ledger, defaultLimits(), nil, logger)
	activity := NewActivityRecorder(logger)
	sink := &memSink{}
	activity.AddSink("mem", sink)
	activity.AddSink("broken", failingSink{})
	activity.AddSink("nil", nil)

	h := &mirrorHarness{
		pager:   pager,
		orders:  orders,
		sink:    sink,
		ledgers: &memLedgerStore{},
		lease:   &countingLease{},
	}
	h.svc = NewMirrorService(MirrorDeps{
		Monitor:     feed.NewTradeMonitor(pager, nil, 100, logger),
		Portfolios:  portfolios,
		Risk:        risk,
		Ledger:      ledger,
		LedgerStore: h.ledgers,
		Orders:      orders,
		Dedup:       executor.NewDedup(time.Hour),
		Activity:    activity,
		Lease:       h.lease,
	}, MirrorConfig{Mode: "mirror", DryRun: dryRun, SyncInterval: time.Hour}, logger)

	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))
	h.svc.SetTraders(ctx, []TraderAllocation{{Name: "alice", Wallet: walletA, Allocated: 100}})
	// First cycle baselines the cursor.
	require.NoError(t, h.svc.RunCycle(ctx))
	return h
}

func (h *mirrorHarness) cursorTS() int64 {
	c, _ := h.svc.monitor.Cursor(walletA)
	return c.LastSeenTimestamp
}

func TestMirrorDryRunCycle(t *testing.T) {
	ctx := context.Background()
	h := newMirrorHarness(t, &recordingOrders{result: domain.OrderResult{Success: true, DryRun: true}}, true)
	ts := h.cursorTS() + 1

	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 100, Price: 0.5, Timestamp: ts, TransactionHash: "0x1"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))

	require.Len(t, h.orders.reqs, 1)
	// 5% of a $1000 portfolio mirrored on a $100 allocation.
	assert.InDelta(t, 5.0, h.orders.reqs[0].USD, 1e-9)
	assert.InDelta(t, 10.0, h.orders.reqs[0].Shares, 1e-9)

	require.Len(t, h.sink.events, 1)
	ev := h.sink.events[0]
	assert.Equal(t, domain.ActivityDryRun, ev.Kind)
	assert.Equal(t, "alice", ev.Fill.TraderName)
	assert.Equal(t, 1, ev.Stats.DryRunTrades)
	assert.NotEmpty(t, ev.ID)

	status := h.svc.Status()
	assert.InDelta(t, 5.0, status.GlobalExposureUSD, 1e-9)
	assert.InDelta(t, 5.0, status.Positions[walletA]["X"], 1e-9)
	assert.Equal(t, 1, status.Stats[walletA].DryRunTrades)
	assert.Contains(t, status.Portfolios, walletA)
	assert.Equal(t, 1, h.ledgers.saves)

	// Same page again: nothing new.
	require.NoError(t, h.svc.RunCycle(ctx))
	assert.Len(t, h.orders.reqs, 1)
	assert.Equal(t, 3, h.lease.refreshes)
}

func TestMirrorRejectionRecordsEventWithoutMutation(t *testing.T) {
	ctx := context.Background()
	h := newMirrorHarness(t, &recordingOrders{result: domain.OrderResult{Success: true}}, false)
	ts := h.cursorTS() + 1

	// 30% of the trader's portfolio: $30 on a $100 allocation breaks max position pct.
	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 600, Price: 0.5, Timestamp: ts, TransactionHash: "0x2"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))

	assert.Empty(t, h.orders.reqs)
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, domain.ActivityRejected, h.sink.events[0].Kind)
	assert.Contains(t, h.sink.events[0].Reason, "exceeds max position pct")
	assert.Equal(t, 1, h.sink.events[0].Stats.RejectedTrades)
	assert.Zero(t, h.svc.Status().GlobalExposureUSD)
}

func TestMirrorFailedOrder(t *testing.T) {
	ctx := context.Background()
	h := newMirrorHarness(t, &recordingOrders{err: errors.New("exchange down")}, false)
	ts := h.cursorTS() + 1

	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 100, Price: 0.5, Timestamp: ts, TransactionHash: "0x3"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, domain.ActivityFailed, h.sink.events[0].Kind)
	assert.Contains(t, h.sink.events[0].Reason, "exchange down")
	assert.Zero(t, h.svc.Status().GlobalExposureUSD)
	assert.Zero(t, h.ledgers.saves)
}

func TestMirrorExecutedUsesExecutedAmounts(t *testing.T) {
	ctx := context.Background()
	orders := &recordingOrders{result: domain.OrderResult{Success: true, OrderID: "o1", Status: "matched", ExecutedShares: 12, ExecutedUSD: 6}}
	h := newMirrorHarness(t, orders, false)
	ts := h.cursorTS() + 1

	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 100, Price: 0.5, Timestamp: ts, TransactionHash: "0x4"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))

	require.Len(t, h.sink.events, 1)
	ev := h.sink.events[0]
	assert.Equal(t, domain.ActivityExecuted, ev.Kind)
	assert.Equal(t, "o1", ev.OrderID)
	assert.InDelta(t, 6.0, ev.MirrorUSD, 1e-9)
	assert.Equal(t, 1, ev.Stats.CopiedTrades)
	assert.InDelta(t, 6.0, ev.Stats.CopiedUSD, 1e-9)
	assert.InDelta(t, 6.0, h.svc.Status().PerTraderExposureUSD[walletA], 1e-9)
}

func TestMirrorDryRunIsNotReloadable(t *testing.T) {
	ctx := context.Background()
	orders := &recordingOrders{result: domain.OrderResult{Success: true, OrderID: "real-1"}}
	h := newMirrorHarness(t, orders, false)
	ts := h.cursorTS() + 1

	h.svc.SetConfig(MirrorConfig{Mode: "mirror", DryRun: true, SyncInterval: time.Hour})
	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 100, Price: 0.5, Timestamp: ts, TransactionHash: "0x6"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))

	require.Len(t, h.orders.reqs, 1)
	require.Len(t, h.sink.events, 1)
	ev := h.sink.events[0]
	assert.Equal(t, domain.ActivityExecuted, ev.Kind, "a live order is never labelled dry run")
	assert.Equal(t, "real-1", ev.OrderID)
	assert.Equal(t, 1, ev.Stats.CopiedTrades)
	assert.Zero(t, ev.Stats.DryRunTrades)
	assert.False(t, h.svc.Status().DryRun)
}

func TestMirrorInsufficientDataSkipsSilently(t *testing.T) {
	ctx := context.Background()
	h := newMirrorHarness(t, &recordingOrders{result: domain.OrderResult{Success: true}}, false)
	ts := h.cursorTS() + 1

	h.pager.pages[walletA] = []domain.Fill{
		{Wallet: walletA, TokenID: "X", Side: domain.SideBuy, Size: 0, Price: 0.5, Timestamp: ts, TransactionHash: "0x5"},
	}
	require.NoError(t, h.svc.RunCycle(ctx))
	assert.Empty(t, h.sink.events)
	assert.Empty(t, h.orders.reqs)
}

func TestMirrorLostLeaseStopsCycle(t *testing.T) {
	h := newMirrorHarness(t, &recordingOrders{}, true)
	h.lease.err = domain.ErrLockHeld

	err := h.svc.RunCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestMirrorStartRestoresLedger(t *testing.T) {
	logger := discardLogger()
	ledger := NewExposureLedger()
	store := &memLedgerStore{state: domain.ExposureState{Wallets: map[string]domain.WalletExposure{
		walletA: {Positions: map[string]float64{"X": 12}},
	}}}
	portfolios := NewPortfolioService(fakePositions{}, logger)
	svc := NewMirrorService(MirrorDeps{
		Monitor:     feed.NewTradeMonitor(&scriptedPager{}, nil, 0, logger),
		Portfolios:  portfolios,
		Risk:        NewRiskService(portfolios, ledger, defaultLimits(), nil, logger),
		Ledger:      ledger,
		LedgerStore: store,
		Orders:      &recordingOrders{},
		Activity:    NewActivityRecorder(logger),
	}, MirrorConfig{Mode: "mirror"}, logger)

	require.NoError(t, svc.Start(context.Background()))
	assert.InDelta(t, 12.0, ledger.Global(), 1e-9)
	assert.InDelta(t, 12.0, svc.Status().GlobalExposureUSD, 1e-9)
}
