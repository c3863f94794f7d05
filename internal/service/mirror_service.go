package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/executor"
	"github.com/alanyoungcy/polycopy/internal/feed"
)

// TraderAllocation is a tracked wallet and the capital allocated to
// mirroring it.
type TraderAllocation struct {
	Name      string
	Wallet    string
	Allocated float64
}

// MirrorConfig holds the mirror loop settings that may change on reload.
type MirrorConfig struct {
	Mode         string
	DryRun       bool
	SyncInterval time.Duration
}

// MirrorService runs the live path: poll the tracked wallets, size each new
// fill, validate it, submit it and record the outcome. All state is owned by
// the goroutine calling RunCycle; Status may be called from anywhere.
type MirrorService struct {
	monitor    *feed.TradeMonitor
	portfolios *PortfolioService
	risk       *RiskService
	ledger     *ExposureLedger
	ledgers    domain.LedgerStore
	orders     executor.OrderClient
	dedup      *executor.Dedup
	activity   *ActivityRecorder
	statuses   domain.StatusStore
	lease      domain.Lease

	cfg      MirrorConfig
	traders  map[string]TraderAllocation
	lastSync time.Time
	status   atomic.Pointer[domain.StatusSnapshot]
	now      func() time.Time
	logger   *slog.Logger
}

// MirrorDeps are the collaborators of a MirrorService. LedgerStore,
// StatusStore and Lease are optional.
type MirrorDeps struct {
	Monitor     *feed.TradeMonitor
	Portfolios  *PortfolioService
	Risk        *RiskService
	Ledger      *ExposureLedger
	LedgerStore domain.LedgerStore
	Orders      executor.OrderClient
	Dedup       *executor.Dedup
	Activity    *ActivityRecorder
	StatusStore domain.StatusStore
	Lease       domain.Lease
}

// NewMirrorService creates a MirrorService.
func NewMirrorService(deps MirrorDeps, cfg MirrorConfig, logger *slog.Logger) *MirrorService {
	s := &MirrorService{
		monitor:    deps.Monitor,
		portfolios: deps.Portfolios,
		risk:       deps.Risk,
		ledger:     deps.Ledger,
		ledgers:    deps.LedgerStore,
		orders:     deps.Orders,
		dedup:      deps.Dedup,
		activity:   deps.Activity,
		statuses:   deps.StatusStore,
		lease:      deps.Lease,
		cfg:        cfg,
		traders:    make(map[string]TraderAllocation),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "mirror")),
	}
	s.status.Store(&domain.StatusSnapshot{Mode: cfg.Mode, DryRun: cfg.DryRun})
	return s
}

// SetConfig replaces the reloadable settings. DryRun is fixed at
// construction because the order client is; a changed value is ignored.
func (s *MirrorService) SetConfig(cfg MirrorConfig) {
	if cfg.DryRun != s.cfg.DryRun {
		s.logger.Warn("mirror: dry_run change needs a restart, keeping current value",
			slog.Bool("dry_run", s.cfg.DryRun),
			slog.Bool("requested", cfg.DryRun),
		)
		cfg.DryRun = s.cfg.DryRun
	}
	s.cfg = cfg
}

// SetTraders replaces the tracked set. Wallets that are new get their
// portfolio synced immediately; wallets that left are forgotten.
func (s *MirrorService) SetTraders(ctx context.Context, traders []TraderAllocation) {
	next := make(map[string]TraderAllocation, len(traders))
	monitored := make([]feed.Trader, 0, len(traders))
	for _, t := range traders {
		next[t.Wallet] = t
		monitored = append(monitored, feed.Trader{Name: t.Name, Wallet: t.Wallet})
	}
	for wallet := range s.traders {
		if _, ok := next[wallet]; !ok {
			s.portfolios.Forget(wallet)
			s.logger.InfoContext(ctx, "mirror: trader removed", slog.String("wallet", wallet))
		}
	}
	s.traders = next

	added := s.monitor.UpdateTraders(monitored)
	if len(added) == 0 {
		return
	}
	for _, wallet := range added {
		s.logger.InfoContext(ctx, "mirror: trader added",
			slog.String("wallet", wallet),
			slog.String("trader", next[wallet].Name),
			slog.Float64("allocated", next[wallet].Allocated),
		)
	}
	if err := s.portfolios.SyncAll(ctx, added); err != nil {
		s.logger.WarnContext(ctx, "mirror: initial portfolio sync incomplete", slog.String("error", err.Error()))
	}
}

// Start restores the cursor and ledger state. Call it once before the first
// SetTraders.
func (s *MirrorService) Start(ctx context.Context) error {
	if err := s.monitor.Load(ctx); err != nil {
		return err
	}
	if s.ledgers != nil {
		state, err := s.ledgers.LoadLedger(ctx)
		if err != nil {
			return fmt.Errorf("mirror: load ledger: %w", err)
		}
		*s.ledger = *LedgerFromState(state)
		s.logger.InfoContext(ctx, "mirror: ledger restored",
			slog.Float64("global_exposure_usd", s.ledger.Global()),
			slog.Int("wallets", len(state.Wallets)),
		)
	}
	s.publishStatus()
	return nil
}

// RunCycle performs one poll-size-submit pass over every tracked wallet.
// The returned error is fatal to the loop: a lost lease or a failure to
// persist state.
func (s *MirrorService) RunCycle(ctx context.Context) error {
	if s.lease != nil {
		if err := s.lease.Refresh(ctx); err != nil {
			return fmt.Errorf("mirror: refresh lease: %w", err)
		}
	}

	now := s.now()
	if s.cfg.SyncInterval > 0 && now.Sub(s.lastSync) >= s.cfg.SyncInterval {
		if err := s.portfolios.SyncAll(ctx, s.monitor.Wallets()); err != nil {
			s.logger.WarnContext(ctx, "mirror: portfolio sync incomplete", slog.String("error", err.Error()))
		}
		s.lastSync = now
	}

	batches := s.monitor.PollAll(ctx)
	handled := 0
	for _, b := range batches {
		for _, f := range b.Fills {
			if err := s.handleFill(ctx, f); err != nil {
				return err
			}
			handled++
		}
	}
	if err := s.monitor.Commit(ctx, batches...); err != nil {
		return err
	}

	if s.dedup != nil {
		s.dedup.Cleanup()
	}
	s.publishStatus()
	if s.statuses != nil {
		if err := s.statuses.WriteStatus(ctx, *s.Status()); err != nil {
			s.logger.WarnContext(ctx, "mirror: write status failed", slog.String("error", err.Error()))
		}
	}

	if handled > 0 {
		s.logger.InfoContext(ctx, "mirror: cycle complete",
			slog.Int("fills", handled),
			slog.Float64("global_exposure_usd", s.ledger.Global()),
		)
	}
	return nil
}

// handleFill mirrors one fill. Only a failure to persist the ledger is
// returned; every other outcome becomes an activity event or a log line.
func (s *MirrorService) handleFill(ctx context.Context, f domain.Fill) error {
	log := s.logger.With(
		slog.String("wallet", f.Wallet),
		slog.String("trader", f.TraderName),
		slog.String("token_id", f.TokenID),
		slog.String("side", string(f.Side)),
	)

	trader, ok := s.traders[f.Wallet]
	if !ok {
		return nil
	}
	if s.dedup != nil && s.dedup.IsDuplicate(f.Wallet+"|"+f.Identity()) {
		log.DebugContext(ctx, "mirror: duplicate fill skipped")
		return nil
	}

	sz, err := s.risk.Size(f, trader.Allocated)
	var rej *RejectionError
	switch {
	case errors.Is(err, domain.ErrInsufficientData):
		log.InfoContext(ctx, "mirror: skipped", slog.String("reason", sz.Reason))
		return nil
	case errors.As(err, &rej):
		s.activity.Record(ctx, domain.ActivityEvent{Kind: domain.ActivityRejected, Fill: f, Reason: rej.Reason})
		return nil
	case sz.USD <= 0:
		log.InfoContext(ctx, "mirror: skipped", slog.String("reason", "zero mirror size"))
		return nil
	}

	if err := s.risk.Validate(ctx, f, sz, trader.Allocated); err != nil {
		reason := err.Error()
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		s.activity.Record(ctx, domain.ActivityEvent{
			Kind: domain.ActivityRejected, Fill: f,
			MirrorShares: sz.Shares, MirrorUSD: sz.USD, Reason: reason,
		})
		return nil
	}

	res, err := s.orders.Submit(ctx, domain.OrderRequest{
		TokenID: f.TokenID,
		Side:    f.Side,
		Price:   f.Price,
		Shares:  sz.Shares,
		USD:     sz.USD,
	})
	if err != nil || !res.Success {
		reason := res.Error
		if err != nil {
			reason = err.Error()
		}
		log.WarnContext(ctx, "mirror: order failed", slog.String("error", reason))
		s.activity.Record(ctx, domain.ActivityEvent{
			Kind: domain.ActivityFailed, Fill: f,
			MirrorShares: sz.Shares, MirrorUSD: sz.USD, Reason: reason,
			OrderStatus: res.Status, OrderID: res.OrderID, Note: res.Note,
		})
		return nil
	}

	usd, shares := sz.USD, sz.Shares
	if !res.DryRun && res.ExecutedUSD > 0 {
		usd, shares = res.ExecutedUSD, res.ExecutedShares
	}
	delta := s.risk.Commit(f, usd)

	kind := domain.ActivityExecuted
	if res.DryRun {
		kind = domain.ActivityDryRun
	}
	s.activity.Record(ctx, domain.ActivityEvent{
		Kind: kind, Fill: f,
		MirrorShares: shares, MirrorUSD: usd, Reason: sz.Reason,
		OrderStatus: res.Status, OrderID: res.OrderID, Note: res.Note,
	})
	log.InfoContext(ctx, "mirror: order accepted",
		slog.String("kind", string(kind)),
		slog.Float64("mirror_usd", usd),
		slog.Float64("mirror_shares", shares),
		slog.Float64("exposure_delta", delta),
		slog.Float64("global_exposure_usd", s.ledger.Global()),
	)

	if s.ledgers != nil {
		if err := s.ledgers.SaveLedger(ctx, s.ledger.State()); err != nil {
			return fmt.Errorf("mirror: save ledger: %w", err)
		}
	}
	return nil
}

// Status returns the snapshot published at the end of the last cycle.
func (s *MirrorService) Status() *domain.StatusSnapshot {
	return s.status.Load()
}

func (s *MirrorService) publishStatus() {
	snap := &domain.StatusSnapshot{
		Mode:                 s.cfg.Mode,
		DryRun:               s.cfg.DryRun,
		GlobalExposureUSD:    s.ledger.Global(),
		PerTraderExposureUSD: s.ledger.PerWallet(),
		Positions:            s.ledger.Positions(),
		Portfolios:           s.portfolios.Snapshots(),
		Stats:                s.activity.Stats(),
		UpdatedAt:            s.now().UTC(),
	}
	s.status.Store(snap)
}
