package file

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

var tradeLogHeader = []string{
	"timestamp_iso", "timestamp_unix", "transaction_hash", "side", "size",
	"price", "market", "token_id", "title", "outcome",
}

// TradeLog writes one append-only CSV file of observed fills per wallet.
type TradeLog struct {
	dir string
	mu  sync.Mutex
}

// NewTradeLog creates a TradeLog rooted at dir.
func NewTradeLog(dir string) *TradeLog {
	return &TradeLog{dir: dir}
}

// Dir returns the directory holding the logs.
func (l *TradeLog) Dir() string { return l.dir }

// Path returns the log file of wallet, named after the trader.
func (l *TradeLog) Path(wallet, name string) string {
	return filepath.Join(l.dir, safeName(name)+"_"+strings.ToLower(wallet)+".csv")
}

// Exists reports whether wallet's log file is present.
func (l *TradeLog) Exists(wallet, name string) bool {
	_, err := os.Stat(l.Path(wallet, name))
	return err == nil
}

// Rewrite replaces wallet's log with a header and fills.
func (l *TradeLog) Rewrite(wallet, name string, fills []domain.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(tradeLogHeader); err != nil {
		return fmt.Errorf("file: trade log header: %w", err)
	}
	for _, f := range fills {
		if err := w.Write(tradeRecord(f)); err != nil {
			return fmt.Errorf("file: trade log row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("file: trade log flush: %w", err)
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("file: trade log dir: %w", err)
	}
	if err := writeAtomic(l.Path(wallet, name), buf.Bytes()); err != nil {
		return fmt.Errorf("file: rewrite trade log: %w", err)
	}
	return nil
}

// Append adds fills to wallet's log, creating it with a header if needed.
func (l *TradeLog) Append(wallet, name string, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := make([][]string, 0, len(fills)+1)
	path := l.Path(wallet, name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		rows = append(rows, tradeLogHeader)
	}
	for _, f := range fills {
		rows = append(rows, tradeRecord(f))
	}
	if err := appendCSV(path, rows); err != nil {
		return fmt.Errorf("file: append trade log: %w", err)
	}
	return nil
}

func tradeRecord(f domain.Fill) []string {
	return []string{
		f.Time().Format(time.RFC3339),
		strconv.FormatInt(f.Timestamp, 10),
		f.TransactionHash,
		string(f.Side),
		fixed6(f.Size),
		fixed6(f.Price),
		f.MarketID,
		f.TokenID,
		f.Title,
		f.Outcome,
	}
}

// appendCSV writes rows at the end of path, creating parent directories.
func appendCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(fh)
	if err := w.WriteAll(rows); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func fixed6(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(6)
}

// safeName turns a trader name into a file name fragment.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "trader"
	}
	return s
}
