package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ActivityRecorder keeps the running per-wallet counters and fans every
// activity event out to the configured sinks. A failing sink is logged and
// never blocks the others.
type ActivityRecorder struct {
	sinks  []namedSink
	stats  map[string]domain.TraderStats
	now    func() time.Time
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink domain.ActivitySink
}

// NewActivityRecorder creates a recorder with no sinks.
func NewActivityRecorder(logger *slog.Logger) *ActivityRecorder {
	return &ActivityRecorder{
		stats:  make(map[string]domain.TraderStats),
		now:    time.Now,
		logger: logger.With(slog.String("component", "activity")),
	}
}

// AddSink registers a sink. Nil sinks are ignored.
func (r *ActivityRecorder) AddSink(name string, sink domain.ActivitySink) {
	if sink == nil {
		return
	}
	r.sinks = append(r.sinks, namedSink{name: name, sink: sink})
}

// Stats returns a copy of the counters keyed by wallet.
func (r *ActivityRecorder) Stats() map[string]domain.TraderStats {
	out := make(map[string]domain.TraderStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Record updates the wallet's counters from ev, stamps the event and sends
// it to every sink.
func (r *ActivityRecorder) Record(ctx context.Context, ev domain.ActivityEvent) domain.ActivityEvent {
	st := r.stats[ev.Fill.Wallet]
	switch ev.Kind {
	case domain.ActivityExecuted:
		st.CopiedTrades++
		st.CopiedUSD += ev.MirrorUSD
	case domain.ActivityDryRun:
		st.DryRunTrades++
	case domain.ActivityRejected:
		st.RejectedTrades++
	case domain.ActivityFailed:
		st.FailedTrades++
	}
	r.stats[ev.Fill.Wallet] = st

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	ev.Stats = st

	for _, s := range r.sinks {
		if err := s.sink.Record(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "activity: sink failed",
				slog.String("sink", s.name),
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	return ev
}

// AuditSink writes activity events to the audit log.
type AuditSink struct {
	store domain.AuditStore
}

// NewAuditSink wraps an AuditStore.
func NewAuditSink(store domain.AuditStore) *AuditSink {
	return &AuditSink{store: store}
}

func (s *AuditSink) Record(ctx context.Context, ev domain.ActivityEvent) error {
	return s.store.Log(ctx, "mirror."+string(ev.Kind), map[string]any{
		"id":            ev.ID,
		"wallet":        ev.Fill.Wallet,
		"trader":        ev.Fill.TraderName,
		"token_id":      ev.Fill.TokenID,
		"side":          string(ev.Fill.Side),
		"fill_size":     ev.Fill.Size,
		"fill_price":    ev.Fill.Price,
		"tx_hash":       ev.Fill.TransactionHash,
		"mirror_shares": ev.MirrorShares,
		"mirror_usd":    ev.MirrorUSD,
		"reason":        ev.Reason,
		"order_id":      ev.OrderID,
		"order_status":  ev.OrderStatus,
		"note":          ev.Note,
	})
}

// BusSink publishes activity events as JSON on a pub/sub channel and,
// when stream is set, appends them to a durable stream.
type BusSink struct {
	bus     domain.SignalBus
	channel string
	stream  string
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus, channel, stream string) *BusSink {
	return &BusSink{bus: bus, channel: channel, stream: stream}
}

func (s *BusSink) Record(ctx context.Context, ev domain.ActivityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("activity: marshal event: %w", err)
	}
	if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
		return fmt.Errorf("activity: publish: %w", err)
	}
	if s.stream != "" {
		if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
			return fmt.Errorf("activity: stream append: %w", err)
		}
	}
	return nil
}
