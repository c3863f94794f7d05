package domain

import "time"

// Position is one open holding of a tracked wallet as reported by the
// positions endpoint.
type Position struct {
	TokenID      string
	ConditionID  string
	Title        string
	Outcome      string
	Size         float64
	AvgPrice     float64
	CurrentValue float64
	InitialValue float64
	CashPnL      float64
}

// PortfolioSnapshot is the valuation of a tracked wallet at SyncedAt.
type PortfolioSnapshot struct {
	TotalValueUSD  float64   `json:"total_value_usd"`
	DeployedUSD    float64   `json:"deployed_usd"`
	CashReserveUSD float64   `json:"cash_reserve_usd"`
	DeploymentRate float64   `json:"deployment_rate"`
	PositionCount  int       `json:"position_count"`
	SyncedAt       time.Time `json:"synced_at"`
}

// WalletExposure is the USD exposure the managed account carries on behalf of
// one tracked wallet. CashUSD always equals the sum of Positions.
type WalletExposure struct {
	CashUSD   float64            `json:"cash_usd"`
	Positions map[string]float64 `json:"positions"`
}

// ExposureState is the persisted form of the exposure ledger.
type ExposureState struct {
	GlobalUSD float64                   `json:"global_usd"`
	Wallets   map[string]WalletExposure `json:"wallets"`
}
