package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/config"
	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/executor"
	"github.com/alanyoungcy/polycopy/internal/feed"
	"github.com/alanyoungcy/polycopy/internal/notify"
	"github.com/alanyoungcy/polycopy/internal/pipeline"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
	"github.com/alanyoungcy/polycopy/internal/server"
	"github.com/alanyoungcy/polycopy/internal/server/handler"
	"github.com/alanyoungcy/polycopy/internal/server/ws"
	"github.com/alanyoungcy/polycopy/internal/service"
	"github.com/alanyoungcy/polycopy/internal/store/file"
)

const (
	activityChannel = "polycopy:activity"
	activityStream  = "polycopy:activity:stream"
	lockPrefix      = "polycopy:mirror:"
)

// MirrorMode runs the live mirror loop and, when enabled, the HTTP server.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, true, false)
}

// RecordMode runs the trade recorder and, when S3 is enabled, the archiver.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, false, true)
}

// FullMode runs the mirror loop and the recorder side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, true, a.cfg.Recorder.Enabled)
}

func (a *App) run(ctx context.Context, deps *Dependencies, mirror, record bool) error {
	g, gctx := errgroup.WithContext(ctx)
	statusStore := file.NewStatusStore(a.cfg.State.StatusPath)

	// live is assigned before any client can connect.
	var live handler.StatusSource
	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		mode := a.cfg.Mode
		hub = ws.NewHub(func() *domain.StatusSnapshot {
			if live != nil {
				return live.Status()
			}
			snap, err := statusStore.ReadStatus(ctx)
			if err != nil {
				return &domain.StatusSnapshot{Mode: mode}
			}
			return &snap
		}, a.logger)
	}

	var rec *pipeline.Recorder
	if record {
		var err error
		if rec, err = a.buildRecorder(ctx, deps); err != nil {
			return err
		}
	}

	var m *mirrorRuntime
	if mirror {
		var err error
		if m, err = a.buildMirror(ctx, deps, hub); err != nil {
			return err
		}
		live = m.svc
		g.Go(func() error { return a.runMirror(gctx, m, rec) })
	}

	if rec != nil {
		g.Go(func() error { return rec.Run(gctx) })
		if m == nil {
			g.Go(func() error { return a.watchRecorder(gctx, rec) })
		}
		if deps.BlobWriter != nil {
			arch := pipeline.NewArchiver(deps.BlobWriter, a.cfg.Recorder.OutputDir,
				[]string{a.cfg.State.StatusPath, a.cfg.State.ActivityLog, a.cfg.Recorder.StatePath},
				a.cfg.S3.Prefix, a.logger)
			interval := a.cfg.Recorder.ArchiveInterval.Duration
			g.Go(func() error { return arch.RunLoop(gctx, interval) })
		}
	}

	if hub != nil {
		a.startServer(gctx, g, deps, hub, live, statusStore)
	}

	a.alert(ctx, deps.Notifier, "polycopy started", fmt.Sprintf("mode=%s dry_run=%t traders=%d",
		a.cfg.Mode, a.cfg.DryRun, len(a.cfg.EnabledTraders())))
	err := g.Wait()
	a.alert(context.WithoutCancel(ctx), deps.Notifier, "polycopy stopped", fmt.Sprintf("mode=%s", a.cfg.Mode))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// mirrorRuntime holds the live-loop objects that react to config reloads.
type mirrorRuntime struct {
	svc    *service.MirrorService
	risk   *service.RiskService
	notify *notify.Notifier
}

func (a *App) buildMirror(ctx context.Context, deps *Dependencies, hub *ws.Hub) (*mirrorRuntime, error) {
	cfg := a.cfg
	orders, account, err := a.buildOrderClient(ctx, deps)
	if err != nil {
		return nil, err
	}

	var lease domain.Lease
	if deps.LockManager != nil {
		lease, err = deps.LockManager.Acquire(ctx, lockPrefix+strings.ToLower(account), cfg.Redis.LockTTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("app: mirror lease for %s: %w", account, err)
		}
		a.closers = append(a.closers, lease.Release)
		a.logger.InfoContext(ctx, "mirror lease acquired", slog.String("account", account))
	}

	monitor := feed.NewTradeMonitor(deps.Data, file.NewCursorStore(cfg.State.CursorPath), cfg.Monitoring.TradePageSize, a.logger)
	portfolios := service.NewPortfolioService(deps.Data, a.logger)
	ledger := service.NewExposureLedger()
	risk := service.NewRiskService(portfolios, ledger, riskLimits(cfg), service.AllowAllMarkets{}, a.logger)

	activity := service.NewActivityRecorder(a.logger)
	activity.AddSink("csv", file.NewActivityLog(cfg.State.ActivityLog))
	if deps.AuditStore != nil {
		activity.AddSink("audit", service.NewAuditSink(deps.AuditStore))
	}
	if deps.SignalBus != nil {
		activity.AddSink("bus", service.NewBusSink(deps.SignalBus, activityChannel, activityStream))
	} else if hub != nil {
		activity.AddSink("ws", hub)
	}
	if deps.Notifier.Enabled() {
		activity.AddSink("notify", deps.Notifier)
	}

	svc := service.NewMirrorService(service.MirrorDeps{
		Monitor:     monitor,
		Portfolios:  portfolios,
		Risk:        risk,
		Ledger:      ledger,
		LedgerStore: file.NewLedgerStore(cfg.State.LedgerPath),
		Orders:      orders,
		Dedup:       executor.NewDedup(cfg.Monitoring.DedupTTL.Duration),
		Activity:    activity,
		StatusStore: file.NewStatusStore(cfg.State.StatusPath),
		Lease:       lease,
	}, mirrorConfig(cfg), a.logger)

	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("app: start mirror: %w", err)
	}
	svc.SetTraders(ctx, allocations(cfg))
	return &mirrorRuntime{svc: svc, risk: risk, notify: deps.Notifier}, nil
}

// buildOrderClient returns the dry-run client or a live CLOB client, and the
// account the orders are placed for.
func (a *App) buildOrderClient(ctx context.Context, deps *Dependencies) (executor.OrderClient, string, error) {
	acct := a.cfg.Account
	if a.cfg.DryRun {
		account := acct.ProxyAddress
		if account == "" {
			account = "dry-run"
		}
		a.logger.InfoContext(ctx, "dry run enabled, orders are simulated")
		return executor.NewDryRunClient(a.logger), account, nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    acct.PrivateKey,
		EncryptedKeyPath: acct.EncryptedKeyPath,
		KeyPassword:      acct.KeyPassword,
	})
	if err != nil {
		return nil, "", fmt.Errorf("app: load key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID)
	if err != nil {
		return nil, "", fmt.Errorf("app: signer: %w", err)
	}

	var creds *crypto.HMACAuth
	if acct.ApiKey != "" {
		creds = &crypto.HMACAuth{Key: acct.ApiKey, Secret: acct.ApiSecret, Passphrase: acct.ApiPassphrase}
	}
	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, creds, acct.ProxyAddress, acct.SignatureType)
	if !clob.HasCredentials() {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, "", fmt.Errorf("app: derive api key: %w", err)
		}
		a.logger.InfoContext(ctx, "derived CLOB API credentials")
	}

	account := acct.ProxyAddress
	if account == "" {
		account = signer.Address().Hex()
	}
	a.logger.InfoContext(ctx, "live trading enabled",
		slog.String("signer", signer.Address().Hex()),
		slog.String("account", account),
	)
	return executor.NewLiveClient(clob, deps.RateLimiter, a.cfg.Risk.OrdersPerMinute, account, a.logger), account, nil
}

func (a *App) buildRecorder(ctx context.Context, deps *Dependencies) (*pipeline.Recorder, error) {
	cfg := a.cfg
	rec := pipeline.NewRecorder(
		deps.Data,
		file.NewTradeLog(cfg.Recorder.OutputDir),
		file.NewCursorStore(cfg.Recorder.StatePath),
		deps.FillStore,
		pipeline.RecorderConfig{
			PageSize:     cfg.Recorder.PageSize,
			PollInterval: cfg.Recorder.PollInterval.Duration,
		},
		a.logger,
	)
	if err := rec.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	rec.QueueTraders(feedTraders(cfg))
	return rec, nil
}

// runMirror drives the mirror loop. Each cycle first samples the config
// watcher, then runs on a context that survives cancellation so an in-flight
// cycle completes. Losing the lease stops the loop.
func (a *App) runMirror(ctx context.Context, m *mirrorRuntime, rec *pipeline.Recorder) error {
	current := a.cfg
	interval := current.Monitoring.PollInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if next, ok := a.reload(current); ok {
			current = next
			m.svc.SetConfig(mirrorConfig(next))
			m.risk.SetLimits(riskLimits(next))
			m.svc.SetTraders(ctx, allocations(next))
			if rec != nil {
				rec.QueueTraders(feedTraders(next))
			}
			if d := next.Monitoring.PollInterval.Duration; d != interval {
				interval = d
				ticker.Reset(interval)
			}
		}

		if err := m.svc.RunCycle(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.alert(context.WithoutCancel(ctx), m.notify, "mirror stopped", "lease lost to another instance: "+err.Error())
				return err
			}
			a.logger.ErrorContext(ctx, "mirror: cycle failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "mirror: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// watchRecorder samples the config watcher for the record-only mode and
// hands trader changes to the recorder.
func (a *App) watchRecorder(ctx context.Context, rec *pipeline.Recorder) error {
	current := a.cfg
	ticker := time.NewTicker(max(current.Recorder.PollInterval.Duration, config.MinRecorderPoll))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if next, ok := a.reload(current); ok {
				current = next
				rec.QueueTraders(feedTraders(next))
			}
		}
	}
}

// reload polls the watcher and reports changed settings relative to prev.
// It is only called from a single loop goroutine.
func (a *App) reload(prev *config.Config) (*config.Config, bool) {
	if a.watcher == nil {
		return nil, false
	}
	next, ok := a.watcher.Poll()
	if !ok {
		return nil, false
	}
	diff := config.DiffTraders(prev, next)
	a.logger.Info("config: applied reload",
		slog.Int("traders_added", len(diff.Added)),
		slog.Int("traders_removed", len(diff.Removed)),
		slog.Int("traders_changed", len(diff.Changed)),
	)
	return next, true
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, live handler.StatusSource, statusStore domain.StatusStore) {
	cfg := a.cfg
	g.Go(func() error { return hub.Run(ctx) })
	if deps.SignalBus != nil {
		g.Go(func() error {
			if err := hub.Bridge(ctx, deps.SignalBus, activityChannel); err != nil {
				a.logger.WarnContext(ctx, "ws: bus bridge unavailable", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: handler.NewStatusHandler(live, statusStore, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Activity = handler.NewActivityHandler(deps.AuditStore, a.logger)
	}
	srv := server.NewServer(server.Config{
		Port:              cfg.Server.Port,
		CORSOrigins:       cfg.Server.CORSOrigins,
		APIKey:            cfg.Server.APIKey,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}, handlers, hub, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

func (a *App) alert(ctx context.Context, n *notify.Notifier, title, message string) {
	if !n.Enabled() {
		return
	}
	if err := n.NotifyAll(ctx, title, message); err != nil {
		a.logger.WarnContext(ctx, "alert not delivered", slog.String("error", err.Error()))
	}
}

func riskLimits(cfg *config.Config) service.RiskLimits {
	return service.RiskLimits{
		MaxSingleBet:     cfg.Risk.MaxSingleBet,
		MaxTotalExposure: cfg.Risk.MaxTotalExposure,
		MaxPositionPct:   cfg.Risk.MaxPositionPct,
	}
}

func mirrorConfig(cfg *config.Config) service.MirrorConfig {
	return service.MirrorConfig{
		Mode:         strings.ToLower(cfg.Mode),
		DryRun:       cfg.DryRun,
		SyncInterval: cfg.Monitoring.PortfolioSyncInterval.Duration,
	}
}

func allocations(cfg *config.Config) []service.TraderAllocation {
	traders := cfg.EnabledTraders()
	out := make([]service.TraderAllocation, 0, len(traders))
	for _, t := range traders {
		out = append(out, service.TraderAllocation{Name: t.Name, Wallet: t.Wallet(), Allocated: t.AllocatedCapital})
	}
	return out
}

func feedTraders(cfg *config.Config) []feed.Trader {
	traders := cfg.EnabledTraders()
	out := make([]feed.Trader, 0, len(traders))
	for _, t := range traders {
		out = append(out, feed.Trader{Name: t.Name, Wallet: t.Wallet()})
	}
	return out
}
