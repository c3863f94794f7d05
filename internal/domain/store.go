package domain

import (
	"context"
	"time"
)

// CursorStore persists the per-wallet ingestion cursors of one consumer
// (the live monitor and the recorder keep separate stores).
type CursorStore interface {
	LoadCursors(ctx context.Context) (map[string]TraderCursor, error)
	SaveCursors(ctx context.Context, cursors map[string]TraderCursor) error
}

// LedgerStore persists the exposure ledger.
type LedgerStore interface {
	LoadLedger(ctx context.Context) (ExposureState, error)
	SaveLedger(ctx context.Context, state ExposureState) error
}

// TradeLog is the append-only per-wallet record of observed fills.
type TradeLog interface {
	Exists(wallet, name string) bool
	Rewrite(wallet, name string, fills []Fill) error
	Append(wallet, name string, fills []Fill) error
	Path(wallet, name string) string
}

// FillStore mirrors recorded fills into a queryable database. Inserts are
// idempotent.
type FillStore interface {
	InsertFills(ctx context.Context, fills []Fill) error
	LastTimestamp(ctx context.Context, wallet string) (time.Time, error)
}

// ActivitySink receives every mirror activity event.
type ActivitySink interface {
	Record(ctx context.Context, ev ActivityEvent) error
}

// StatusStore writes and reads the latest status snapshot.
type StatusStore interface {
	WriteStatus(ctx context.Context, snap StatusSnapshot) error
	ReadStatus(ctx context.Context) (StatusSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
