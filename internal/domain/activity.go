package domain

import "time"

// ActivityKind classifies the outcome of handling one observed fill.
type ActivityKind string

const (
	ActivityExecuted ActivityKind = "executed"
	ActivityRejected ActivityKind = "rejected"
	ActivityFailed   ActivityKind = "failed"
	ActivityDryRun   ActivityKind = "dry_run"
)

// TraderStats are running counters per tracked wallet.
type TraderStats struct {
	CopiedTrades   int     `json:"copied_trades"`
	CopiedUSD      float64 `json:"copied_usd"`
	RejectedTrades int     `json:"rejected_trades"`
	FailedTrades   int     `json:"failed_trades"`
	DryRunTrades   int     `json:"dry_run_trades"`
}

// ActivityEvent is one row of the mirror activity log.
type ActivityEvent struct {
	ID           string       `json:"id"`
	Kind         ActivityKind `json:"event_type"`
	At           time.Time    `json:"timestamp"`
	Fill         Fill         `json:"fill"`
	MirrorShares float64      `json:"mirror_shares"`
	MirrorUSD    float64      `json:"mirror_usd"`
	Reason       string       `json:"reason"`
	OrderStatus  string       `json:"order_status,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	Note         string       `json:"notes,omitempty"`
	Stats        TraderStats  `json:"stats"`
}

// StatusSnapshot is the point-in-time view written after every mirror cycle.
type StatusSnapshot struct {
	Mode                 string                        `json:"mode"`
	DryRun               bool                          `json:"dry_run"`
	GlobalExposureUSD    float64                       `json:"global_exposure_usd"`
	PerTraderExposureUSD map[string]float64            `json:"per_trader_exposure_usd"`
	Positions            map[string]map[string]float64 `json:"positions"`
	Portfolios           map[string]PortfolioSnapshot  `json:"portfolios"`
	Stats                map[string]TraderStats        `json:"stats"`
	UpdatedAt            time.Time                     `json:"updated_at"`
}
