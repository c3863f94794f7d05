package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// flexFloat unmarshals from a JSON number or a numeric string; the data API
// is not consistent about which one it sends.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APITrade is one record of GET /trades.
type APITrade struct {
	ProxyWallet     string    `json:"proxyWallet"`
	Timestamp       int64     `json:"timestamp"`
	TransactionHash string    `json:"transactionHash"`
	Side            string    `json:"side"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	Asset           string    `json:"asset"`
	ConditionID     string    `json:"conditionId"`
	Title           string    `json:"title"`
	Outcome         string    `json:"outcome"`
}

// ToDomainFill converts an APITrade to a domain.Fill for wallet. The second
// return value is false when the record carries an unknown side.
func (t *APITrade) ToDomainFill(wallet string) (domain.Fill, bool) {
	side, ok := domain.ParseSide(t.Side)
	if !ok {
		return domain.Fill{}, false
	}
	return domain.Fill{
		Wallet:          strings.ToLower(wallet),
		MarketID:        t.ConditionID,
		TokenID:         t.Asset,
		Side:            side,
		Size:            float64(t.Size),
		Price:           float64(t.Price),
		Timestamp:       t.Timestamp,
		TransactionHash: t.TransactionHash,
		Title:           t.Title,
		Outcome:         t.Outcome,
	}, true
}

// APIPosition is one record of GET /positions.
type APIPosition struct {
	Asset        string    `json:"asset"`
	ConditionID  string    `json:"conditionId"`
	Title        string    `json:"title"`
	Outcome      string    `json:"outcome"`
	Size         flexFloat `json:"size"`
	AvgPrice     flexFloat `json:"avgPrice"`
	CurrentValue flexFloat `json:"currentValue"`
	InitialValue flexFloat `json:"initialValue"`
	CashPnL      flexFloat `json:"cashPnl"`
}

// ToDomainPosition converts an APIPosition to a domain.Position.
func (p *APIPosition) ToDomainPosition() domain.Position {
	return domain.Position{
		TokenID:      p.Asset,
		ConditionID:  p.ConditionID,
		Title:        p.Title,
		Outcome:      p.Outcome,
		Size:         float64(p.Size),
		AvgPrice:     float64(p.AvgPrice),
		CurrentValue: float64(p.CurrentValue),
		InitialValue: float64(p.InitialValue),
		CashPnL:      float64(p.CashPnL),
	}
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIBook is the subset of GET /book the order client needs.
type APIBook struct {
	AssetID      string    `json:"asset_id"`
	MinOrderSize flexFloat `json:"min_order_size"`
	TickSize     flexFloat `json:"tick_size"`
	NegRisk      bool      `json:"neg_risk"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool      `json:"success"`
	ErrorMsg     string    `json:"errorMsg,omitempty"`
	OrderID      string    `json:"orderID,omitempty"`
	Status       string    `json:"status,omitempty"`
	MakingAmount flexFloat `json:"makingAmount,omitempty"`
	TakingAmount flexFloat `json:"takingAmount,omitempty"`
}

// ToDomainOrderResult converts an APIOrderResult for an order on side. For a
// BUY the taker amount is shares and the maker amount is USD; a SELL is the
// reverse.
func (r *APIOrderResult) ToDomainOrderResult(side domain.Side) domain.OrderResult {
	res := domain.OrderResult{
		Success: r.Success,
		OrderID: r.OrderID,
		Status:  r.Status,
		Error:   r.ErrorMsg,
	}
	if side == domain.SideBuy {
		res.ExecutedShares = float64(r.TakingAmount)
		res.ExecutedUSD = float64(r.MakingAmount)
	} else {
		res.ExecutedShares = float64(r.MakingAmount)
		res.ExecutedUSD = float64(r.TakingAmount)
	}
	return res
}
