package domain

import (
	"math/big"
	"time"
)

// MinOrderUSD is the smallest order notional the exchange accepts.
const MinOrderUSD = 1.0

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
)

// OrderRequest is a sized mirror order handed to an order client.
type OrderRequest struct {
	TokenID  string
	Side     Side
	Price    float64
	Shares   float64
	USD      float64
	TickSize float64 // zero means the exchange default of 0.01
}

// OrderResult is what an order client reports after a submission attempt.
type OrderResult struct {
	Success        bool
	OrderID        string
	Status         string
	Error          string
	ExecutedShares float64
	ExecutedUSD    float64
	Note           string
	DryRun         bool
}

// SignedOrder is a CLOB limit order ready to post.
type SignedOrder struct {
	Salt          string
	Maker         string
	Signer        string
	TokenID       string
	Side          Side
	Type          OrderType
	MakerAmount   *big.Int // USDC or shares, 6 decimals
	TakerAmount   *big.Int
	SignatureType int
	Signature     string
	CreatedAt     time.Time
}
