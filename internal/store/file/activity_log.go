package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

var activityHeader = []string{
	"timestamp", "event_type", "trader", "wallet", "market", "token_id",
	"side", "trader_size", "trader_price", "mirror_shares", "mirror_usd",
	"reason", "order_status", "order_id", "notes",
	"copied_trades", "copied_usd", "rejected_trades", "failed_trades", "dry_run_trades",
}

// ActivityLog appends mirror activity events to a CSV file.
type ActivityLog struct {
	path string
	mu   sync.Mutex
}

// NewActivityLog creates an ActivityLog writing to path.
func NewActivityLog(path string) *ActivityLog {
	return &ActivityLog{path: path}
}

// Record appends ev, writing the header first when the file is new.
func (l *ActivityLog) Record(_ context.Context, ev domain.ActivityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows [][]string
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		rows = append(rows, activityHeader)
	}
	rows = append(rows, []string{
		ev.At.UTC().Format(time.RFC3339),
		string(ev.Kind),
		ev.Fill.TraderName,
		ev.Fill.Wallet,
		ev.Fill.MarketID,
		ev.Fill.TokenID,
		string(ev.Fill.Side),
		fixed6(ev.Fill.Size),
		fixed6(ev.Fill.Price),
		fixed6(ev.MirrorShares),
		fixed6(ev.MirrorUSD),
		ev.Reason,
		ev.OrderStatus,
		ev.OrderID,
		ev.Note,
		strconv.Itoa(ev.Stats.CopiedTrades),
		fixed6(ev.Stats.CopiedUSD),
		strconv.Itoa(ev.Stats.RejectedTrades),
		strconv.Itoa(ev.Stats.FailedTrades),
		strconv.Itoa(ev.Stats.DryRunTrades),
	})
	if err := appendCSV(l.path, rows); err != nil {
		return fmt.Errorf("file: append activity: %w", err)
	}
	return nil
}
