package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// InsertFills inserts fills in one batch. Records already stored for the same
// wallet, identity, size and price are skipped via ON CONFLICT DO NOTHING.
func (s *FillStore) InsertFills(ctx context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	const query = `
		INSERT INTO recorded_fills (
			wallet, trader_name, identity, transaction_hash,
			market_id, token_id, side, size, price,
			title, outcome, ts
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12
		) ON CONFLICT (wallet, identity, size, price) DO NOTHING`

	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(query,
			f.Wallet, f.TraderName, f.Identity(), f.TransactionHash,
			f.MarketID, f.TokenID, string(f.Side), f.Size, f.Price,
			f.Title, f.Outcome, f.Time(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill %d (%s): %w", i, fills[i].Identity(), err)
		}
	}
	return nil
}

// LastTimestamp returns the newest stored fill time for wallet, or
// domain.ErrNotFound when nothing has been recorded.
func (s *FillStore) LastTimestamp(ctx context.Context, wallet string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(ts) FROM recorded_fills WHERE wallet = $1`, wallet,
	).Scan(&ts)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("postgres: last fill timestamp for %s: %w", wallet, err)
	}
	if ts == nil {
		return time.Time{}, fmt.Errorf("postgres: fills for %s: %w", wallet, domain.ErrNotFound)
	}
	return ts.UTC(), nil
}
