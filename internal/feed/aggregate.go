// Package feed turns the paginated trade history of tracked wallets into an
// ordered, deduplicated stream of fills.
package feed

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// minAggregateSize guards the VWAP division for groups whose sizes sum to 0.
var minAggregateSize = decimal.NewFromFloat(1e-9)

// NewSince returns the fills that lie strictly after cursor, in input order.
func NewSince(cursor domain.TraderCursor, fills []domain.Fill) []domain.Fill {
	out := make([]domain.Fill, 0, len(fills))
	for _, f := range fills {
		if cursor.IsNew(f) {
			out = append(out, f)
		}
	}
	return out
}

// Aggregate merges records that share an identity (the partial fills of one
// transaction) into a single fill with the summed size, the size-weighted
// price and the latest timestamp. The result is sorted oldest first, ties
// broken by identity.
func Aggregate(fills []domain.Fill) []domain.Fill {
	type group struct {
		fill     domain.Fill
		size     decimal.Decimal
		notional decimal.Decimal
		merged   bool
	}

	groups := make(map[string]*group, len(fills))
	order := make([]string, 0, len(fills))
	for _, f := range fills {
		id := f.Identity()
		size := decimal.NewFromFloat(f.Size)
		notional := size.Mul(decimal.NewFromFloat(f.Price))

		g, ok := groups[id]
		if !ok {
			groups[id] = &group{fill: f, size: size, notional: notional}
			order = append(order, id)
			continue
		}
		g.merged = true
		g.size = g.size.Add(size)
		g.notional = g.notional.Add(notional)
		if f.Timestamp > g.fill.Timestamp {
			g.fill.Timestamp = f.Timestamp
		}
	}

	out := make([]domain.Fill, 0, len(order))
	for _, id := range order {
		g := groups[id]
		f := g.fill
		if g.merged {
			f.Size = g.size.InexactFloat64()
			f.Price = g.notional.Div(decimal.Max(g.size, minAggregateSize)).InexactFloat64()
		}
		out = append(out, f)
	}

	slices.SortStableFunc(out, func(a, b domain.Fill) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity(), b.Identity())
	})
	return out
}
