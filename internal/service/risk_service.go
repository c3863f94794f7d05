package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// MinOrderUSD is the floor applied to proportional sizing.
const MinOrderUSD = domain.MinOrderUSD

// epsilon absorbs float rounding in limit comparisons.
const epsilon = 1e-9

// Rejection reasons.
const (
	ReasonInsufficientData = "insufficient data for proportional sizing"
	ReasonBelowMinimum     = "allocated capital below minimum order"
	ReasonFloored          = "(floored to $1 min)"
)

// Gates, in evaluation order.
const (
	GateMinOrder       = "min_order"
	GateMaxSingleBet   = "max_single_bet"
	GateMaxPositionPct = "max_position_pct"
	GateGlobalExposure = "global_exposure"
	GateTraderCapital  = "trader_capital"
	GateMarketFilter   = "market_filter"
)

// RiskLimits are the configured caps applied to every mirror order.
type RiskLimits struct {
	MaxSingleBet     float64
	MaxTotalExposure float64
	MaxPositionPct   float64
}

// Sizing is the proposed mirror order for one observed fill.
type Sizing struct {
	Shares         float64
	USD            float64
	Reason         string
	PositionPct    float64
	DeploymentRate float64
}

// RejectionError reports which gate refused a mirror order.
type RejectionError struct {
	Gate   string
	Reason string
}

func (e *RejectionError) Error() string {
	return "risk rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error {
	return domain.ErrRiskRejected
}

// MarketFilter is the last validation gate. Allow returns false and a
// reason to refuse a market.
type MarketFilter interface {
	Allow(ctx context.Context, fill domain.Fill) (bool, string)
}

// AllowAllMarkets is the default MarketFilter.
type AllowAllMarkets struct{}

func (AllowAllMarkets) Allow(context.Context, domain.Fill) (bool, string) { return true, "" }

// PortfolioView is the read side of PortfolioService that sizing needs.
type PortfolioView interface {
	PortfolioValue(wallet string) float64
	DeploymentRate(wallet string) float64
}

// RiskService sizes mirror orders in proportion to the tracked wallet's
// portfolio and validates them against the exposure ledger.
type RiskService struct {
	portfolios PortfolioView
	ledger     *ExposureLedger
	limits     RiskLimits
	filter     MarketFilter
	logger     *slog.Logger
}

// NewRiskService creates a RiskService. A nil filter allows every market.
func NewRiskService(portfolios PortfolioView, ledger *ExposureLedger, limits RiskLimits, filter MarketFilter, logger *slog.Logger) *RiskService {
	if filter == nil {
		filter = AllowAllMarkets{}
	}
	return &RiskService{
		portfolios: portfolios,
		ledger:     ledger,
		limits:     limits,
		filter:     filter,
		logger:     logger.With(slog.String("component", "risk_service")),
	}
}

// SetLimits replaces the limits, e.g. after a config reload.
func (s *RiskService) SetLimits(limits RiskLimits) {
	s.limits = limits
}

// Limits returns the active limits.
func (s *RiskService) Limits() RiskLimits {
	return s.limits
}

// Size computes the mirror order for fill given the capital allocated to
// its wallet. The mirror takes the same share of the effective allocation
// as the fill takes of the trader's portfolio. A zero sizing is returned
// with domain.ErrInsufficientData when the inputs cannot be sized and with
// a *RejectionError when the allocation cannot reach the minimum order.
func (s *RiskService) Size(fill domain.Fill, allocated float64) (Sizing, error) {
	rate := s.portfolios.DeploymentRate(fill.Wallet)
	portfolio := s.portfolios.PortfolioValue(fill.Wallet)
	if portfolio <= 0 || fill.Price <= 0 || fill.Size <= 0 {
		return Sizing{Reason: ReasonInsufficientData, DeploymentRate: rate},
			fmt.Errorf("risk_service: %w: portfolio %.2f size %g price %g", domain.ErrInsufficientData, portfolio, fill.Size, fill.Price)
	}

	effective := allocated * rate
	pct := fill.Notional() / portfolio
	usd := effective * pct
	sz := Sizing{
		USD:            usd,
		PositionPct:    pct,
		DeploymentRate: rate,
		Reason:         fmt.Sprintf("%.2f%% of trader portfolio; deployment %.1f%%", pct*100, rate*100),
	}

	if usd > 0 && usd < MinOrderUSD {
		if effective < MinOrderUSD {
			sz.USD, sz.Reason = 0, ReasonBelowMinimum
			return sz, &RejectionError{Gate: GateMinOrder, Reason: ReasonBelowMinimum}
		}
		sz.USD = MinOrderUSD
		sz.Reason += " " + ReasonFloored
	}
	sz.Shares = sz.USD / fill.Price
	return sz, nil
}

// Delta is the exposure change an accepted mirror of fill worth usd causes.
// A SELL can only release what is held; the excess is not tracked.
func (s *RiskService) Delta(fill domain.Fill, usd float64) float64 {
	if fill.Side == domain.SideSell {
		return -min(usd, s.ledger.Held(fill.Wallet, fill.TokenID))
	}
	return usd
}

// Validate runs the gates in order and returns the first failure as a
// *RejectionError.
func (s *RiskService) Validate(ctx context.Context, fill domain.Fill, sz Sizing, allocated float64) error {
	capUSD := max(allocated, MinOrderUSD)
	delta := s.Delta(fill, sz.USD)

	reject := func(gate, reason string) error {
		s.logger.InfoContext(ctx, "risk_service: rejected",
			slog.String("wallet", fill.Wallet),
			slog.String("token_id", fill.TokenID),
			slog.String("gate", gate),
			slog.String("reason", reason),
			slog.Float64("mirror_usd", sz.USD),
		)
		return &RejectionError{Gate: gate, Reason: reason}
	}

	if sz.USD > s.limits.MaxSingleBet+epsilon {
		return reject(GateMaxSingleBet, fmt.Sprintf("exceeds max single bet ($%.2f > $%.2f)", sz.USD, s.limits.MaxSingleBet))
	}
	if fill.Side == domain.SideBuy {
		if pct := sz.USD / capUSD; pct > s.limits.MaxPositionPct+epsilon {
			return reject(GateMaxPositionPct, fmt.Sprintf("exceeds max position pct (%.1f%% > %.1f%%)", pct*100, s.limits.MaxPositionPct*100))
		}
	}
	if next := s.ledger.Global() + delta; next > s.limits.MaxTotalExposure+epsilon {
		return reject(GateGlobalExposure, fmt.Sprintf("exceeds global exposure ($%.2f > $%.2f)", next, s.limits.MaxTotalExposure))
	}
	if next := s.ledger.WalletCash(fill.Wallet) + delta; next > capUSD+epsilon {
		return reject(GateTraderCapital, fmt.Sprintf("exceeds allocated capital for trader ($%.2f > $%.2f)", next, capUSD))
	}
	if ok, reason := s.filter.Allow(ctx, fill); !ok {
		return reject(GateMarketFilter, reason)
	}
	return nil
}

// Commit records an accepted mirror of fill worth usd in the ledger.
func (s *RiskService) Commit(fill domain.Fill, usd float64) float64 {
	delta := s.Delta(fill, usd)
	s.ledger.Apply(fill.Wallet, fill.TokenID, delta)
	return delta
}
