package service

import (
	"maps"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ExposureLedger tracks the USD exposure the managed account carries per
// tracked wallet and token. Wallet cash is always the sum of its positions
// and the global figure the sum of wallet cash. It has no lock and must only
// be used from the mirror loop goroutine.
type ExposureLedger struct {
	positions map[string]map[string]float64 // wallet -> token -> usd
	cash      map[string]float64
	global    float64
}

// NewExposureLedger returns an empty ledger.
func NewExposureLedger() *ExposureLedger {
	return &ExposureLedger{
		positions: make(map[string]map[string]float64),
		cash:      make(map[string]float64),
	}
}

// LedgerFromState rebuilds a ledger from its persisted form. Aggregates are
// recomputed from the positions rather than trusted.
func LedgerFromState(state domain.ExposureState) *ExposureLedger {
	l := NewExposureLedger()
	for wallet, w := range state.Wallets {
		for token, usd := range w.Positions {
			if usd > 0 {
				if l.positions[wallet] == nil {
					l.positions[wallet] = make(map[string]float64)
				}
				l.positions[wallet][token] = usd
			}
		}
	}
	l.recompute()
	return l
}

// Global returns the total exposure across wallets.
func (l *ExposureLedger) Global() float64 { return l.global }

// WalletCash returns the exposure carried for wallet.
func (l *ExposureLedger) WalletCash(wallet string) float64 { return l.cash[wallet] }

// Held returns the exposure carried for wallet in token.
func (l *ExposureLedger) Held(wallet, token string) float64 {
	return l.positions[wallet][token]
}

// Apply adds delta to the wallet's token position, clamping at zero and
// removing positions and wallets that reach zero.
func (l *ExposureLedger) Apply(wallet, token string, delta float64) {
	pos := l.positions[wallet]
	if pos == nil {
		pos = make(map[string]float64)
		l.positions[wallet] = pos
	}
	next := pos[token] + delta
	if next <= epsilon {
		delete(pos, token)
	} else {
		pos[token] = next
	}
	if len(pos) == 0 {
		delete(l.positions, wallet)
	}
	l.recompute()
}

func (l *ExposureLedger) recompute() {
	l.cash = make(map[string]float64, len(l.positions))
	l.global = 0
	for wallet, pos := range l.positions {
		var sum float64
		for _, usd := range pos {
			sum += usd
		}
		l.cash[wallet] = sum
		l.global += sum
	}
}

// PerWallet returns a copy of the per-wallet exposure.
func (l *ExposureLedger) PerWallet() map[string]float64 {
	return maps.Clone(l.cash)
}

// Positions returns a deep copy of the per-token exposure.
func (l *ExposureLedger) Positions() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(l.positions))
	for wallet, pos := range l.positions {
		out[wallet] = maps.Clone(pos)
	}
	return out
}

// State returns the persisted form of the ledger.
func (l *ExposureLedger) State() domain.ExposureState {
	state := domain.ExposureState{
		GlobalUSD: l.global,
		Wallets:   make(map[string]domain.WalletExposure, len(l.positions)),
	}
	for wallet, pos := range l.positions {
		state.Wallets[wallet] = domain.WalletExposure{
			CashUSD:   l.cash[wallet],
			Positions: maps.Clone(pos),
		}
	}
	return state
}
