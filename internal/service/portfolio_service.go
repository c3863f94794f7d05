package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// PositionFetcher reads the open positions of a wallet.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, wallet string) ([]domain.Position, error)
}

// PortfolioService values tracked wallets from their open positions and
// exposes the deployment rate used by proportional sizing. Snapshots are
// owned by the caller's goroutine.
type PortfolioService struct {
	fetcher   PositionFetcher
	snapshots map[string]domain.PortfolioSnapshot
	now       func() time.Time
	logger    *slog.Logger
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(fetcher PositionFetcher, logger *slog.Logger) *PortfolioService {
	return &PortfolioService{
		fetcher:   fetcher,
		snapshots: make(map[string]domain.PortfolioSnapshot),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "portfolio_service")),
	}
}

// Valuate computes a snapshot from positions. Deployed capital is the sum of
// current values; when nothing is marked to market the cost basis stands in
// for the total.
func Valuate(positions []domain.Position, at time.Time) domain.PortfolioSnapshot {
	var deployed, initial float64
	for _, p := range positions {
		deployed += p.CurrentValue
		initial += p.InitialValue
	}

	total := initial
	if deployed > 0 {
		total = deployed
	}
	snap := domain.PortfolioSnapshot{
		TotalValueUSD: total,
		DeployedUSD:   deployed,
		PositionCount: len(positions),
		SyncedAt:      at,
	}
	if total > 0 {
		snap.CashReserveUSD = max(total-deployed, 0)
		snap.DeploymentRate = min(max(deployed/total, 0), 1)
	}
	return snap
}

// Sync fetches wallet's positions and replaces its snapshot. On error the
// previous snapshot is kept.
func (s *PortfolioService) Sync(ctx context.Context, wallet string) (domain.PortfolioSnapshot, error) {
	positions, err := s.fetcher.FetchPositions(ctx, wallet)
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("portfolio_service: sync %s: %w", wallet, err)
	}
	snap := Valuate(positions, s.now().UTC())
	s.snapshots[wallet] = snap
	return snap, nil
}

// SyncAll fetches every wallet concurrently, then replaces the snapshots of
// those that succeeded. The returned error joins the individual failures.
func (s *PortfolioService) SyncAll(ctx context.Context, wallets []string) error {
	type result struct {
		positions []domain.Position
		err       error
	}
	results := make([]result, len(wallets))

	var g errgroup.Group
	for i, wallet := range wallets {
		g.Go(func() error {
			positions, err := s.fetcher.FetchPositions(ctx, wallet)
			results[i] = result{positions: positions, err: err}
			return nil
		})
	}
	_ = g.Wait()

	at := s.now().UTC()
	var errs []error
	for i, wallet := range wallets {
		if err := results[i].err; err != nil {
			s.logger.WarnContext(ctx, "portfolio_service: sync failed",
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("portfolio_service: sync %s: %w", wallet, err))
			continue
		}
		snap := Valuate(results[i].positions, at)
		s.snapshots[wallet] = snap
		s.logger.DebugContext(ctx, "portfolio_service: synced",
			slog.String("wallet", wallet),
			slog.Float64("total_value_usd", snap.TotalValueUSD),
			slog.Float64("deployment_rate", snap.DeploymentRate),
			slog.Int("positions", snap.PositionCount),
		)
	}
	return errors.Join(errs...)
}

// Snapshot returns the latest snapshot of wallet.
func (s *PortfolioService) Snapshot(wallet string) (domain.PortfolioSnapshot, bool) {
	snap, ok := s.snapshots[wallet]
	return snap, ok
}

// Snapshots returns a copy of all snapshots keyed by wallet.
func (s *PortfolioService) Snapshots() map[string]domain.PortfolioSnapshot {
	return maps.Clone(s.snapshots)
}

// Forget drops the snapshot of a wallet that is no longer tracked.
func (s *PortfolioService) Forget(wallet string) {
	delete(s.snapshots, wallet)
}

// PortfolioValue returns the total value of wallet, 0 if never synced.
func (s *PortfolioService) PortfolioValue(wallet string) float64 {
	return s.snapshots[wallet].TotalValueUSD
}

// DeploymentRate returns the deployed fraction of wallet's portfolio. A
// wallet that has never been synced reports 1.
func (s *PortfolioService) DeploymentRate(wallet string) float64 {
	snap, ok := s.snapshots[wallet]
	if !ok {
		return 1
	}
	return snap.DeploymentRate
}

// EffectiveAllocation scales allocated capital by wallet's deployment rate.
func (s *PortfolioService) EffectiveAllocation(wallet string, allocated float64) float64 {
	return allocated * s.DeploymentRate(wallet)
}
