package domain

import (
	"slices"
	"time"
)

// TraderCursor is the durable ingestion watermark for one wallet.
// LastSeenHashes holds the identities of every fill observed at exactly
// LastSeenTimestamp, kept sorted.
type TraderCursor struct {
	LastSeenTimestamp int64     `json:"last_timestamp"`
	LastSeenHashes    []string  `json:"last_hashes"`
	LastPolledAt      time.Time `json:"last_polled_at,omitempty"`
}

// NewCursorAt returns an empty cursor positioned at ts.
func NewCursorAt(ts int64) TraderCursor {
	return TraderCursor{LastSeenTimestamp: ts, LastSeenHashes: []string{}}
}

// Seen reports whether identity is part of the boundary set.
func (c TraderCursor) Seen(identity string) bool {
	_, ok := slices.BinarySearch(c.LastSeenHashes, identity)
	return ok
}

// IsNew reports whether f lies strictly after the cursor: a later timestamp,
// or the same second with an identity not yet recorded.
func (c TraderCursor) IsNew(f Fill) bool {
	if f.Timestamp > c.LastSeenTimestamp {
		return true
	}
	return f.Timestamp == c.LastSeenTimestamp && !c.Seen(f.Identity())
}

// Advance returns the cursor that results from consuming fills. When the
// newest fill shares the current boundary second, its identities are merged
// into the existing set rather than replacing it.
func (c TraderCursor) Advance(fills []Fill) TraderCursor {
	if len(fills) == 0 {
		return c
	}

	var maxTS int64
	for _, f := range fills {
		if f.Timestamp > maxTS {
			maxTS = f.Timestamp
		}
	}
	if maxTS < c.LastSeenTimestamp {
		return c
	}

	next := TraderCursor{LastSeenTimestamp: maxTS, LastPolledAt: c.LastPolledAt}
	if maxTS == c.LastSeenTimestamp {
		next.LastSeenHashes = slices.Clone(c.LastSeenHashes)
	}
	for _, f := range fills {
		if f.Timestamp == maxTS {
			next.LastSeenHashes = append(next.LastSeenHashes, f.Identity())
		}
	}
	slices.Sort(next.LastSeenHashes)
	next.LastSeenHashes = slices.Compact(next.LastSeenHashes)
	return next
}
