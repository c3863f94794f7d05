package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side is the direction of a fill or order as reported by the exchange.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises an exchange side string. The second return value is
// false when the input is neither BUY nor SELL.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	default:
		return "", false
	}
}

// Fill is one normalised trade observed on a tracked wallet. A fill produced
// by the aggregation step may represent several exchange records that share a
// transaction.
type Fill struct {
	Wallet          string  `json:"wallet"`
	TraderName      string  `json:"trader_name"`
	MarketID        string  `json:"market"`
	TokenID         string  `json:"token_id"`
	Side            Side    `json:"side"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	TransactionHash string  `json:"transaction_hash"`
	Title           string  `json:"title"`
	Outcome         string  `json:"outcome"`
}

// Identity returns the key used for deduplication and aggregation: the
// lowercased transaction hash with token and side when a hash is present,
// otherwise timestamp, token, side and price.
func (f Fill) Identity() string {
	if h := strings.ToLower(strings.TrimSpace(f.TransactionHash)); h != "" {
		return "tx:" + h + ":" + f.TokenID + ":" + string(f.Side)
	}
	return fmt.Sprintf("ts:%d:%s:%s:%s",
		f.Timestamp, f.TokenID, f.Side, strconv.FormatFloat(f.Price, 'f', -1, 64))
}

// Notional is size times price in USD.
func (f Fill) Notional() float64 {
	return f.Size * f.Price
}

// Time returns the fill timestamp as a UTC time.
func (f Fill) Time() time.Time {
	return time.Unix(f.Timestamp, 0).UTC()
}
