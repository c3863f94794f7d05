// Package file implements the local state stores: JSON files for cursors,
// the exposure ledger and the status snapshot, and CSV logs for observed
// fills and mirror activity.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// writeJSON marshals v and replaces path through a temp file and rename so
// readers never see a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// readJSON decodes path into v. A missing file leaves v untouched and
// reports false.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// cursorFile is the on-disk layout of a CursorStore.
type cursorFile struct {
	PerTrader map[string]domain.TraderCursor `json:"per_trader"`
	UpdatedAt time.Time                      `json:"updated_at"`
}

// CursorStore keeps per-wallet cursors in one JSON file.
type CursorStore struct {
	path string
}

// NewCursorStore creates a CursorStore backed by path.
func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

// LoadCursors returns the stored cursors, or an empty map when the file does
// not exist yet.
func (s *CursorStore) LoadCursors(_ context.Context) (map[string]domain.TraderCursor, error) {
	var f cursorFile
	if _, err := readJSON(s.path, &f); err != nil {
		return nil, fmt.Errorf("file: load cursors: %w", err)
	}
	if f.PerTrader == nil {
		f.PerTrader = make(map[string]domain.TraderCursor)
	}
	// Boundary lookups binary-search the set; files edited by hand or
	// migrated from older state may hold it unsorted.
	for wallet, c := range f.PerTrader {
		if c.LastSeenHashes == nil {
			c.LastSeenHashes = []string{}
		}
		slices.Sort(c.LastSeenHashes)
		c.LastSeenHashes = slices.Compact(c.LastSeenHashes)
		f.PerTrader[wallet] = c
	}
	return f.PerTrader, nil
}

// SaveCursors replaces the stored cursors.
func (s *CursorStore) SaveCursors(_ context.Context, cursors map[string]domain.TraderCursor) error {
	if err := writeJSON(s.path, cursorFile{PerTrader: cursors, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("file: save cursors: %w", err)
	}
	return nil
}

// Path returns the backing file.
func (s *CursorStore) Path() string { return s.path }

// LedgerStore keeps the exposure ledger in a JSON file.
type LedgerStore struct {
	path string
}

// NewLedgerStore creates a LedgerStore backed by path.
func NewLedgerStore(path string) *LedgerStore {
	return &LedgerStore{path: path}
}

func (s *LedgerStore) LoadLedger(_ context.Context) (domain.ExposureState, error) {
	var state domain.ExposureState
	if _, err := readJSON(s.path, &state); err != nil {
		return domain.ExposureState{}, fmt.Errorf("file: load ledger: %w", err)
	}
	return state, nil
}

func (s *LedgerStore) SaveLedger(_ context.Context, state domain.ExposureState) error {
	if err := writeJSON(s.path, state); err != nil {
		return fmt.Errorf("file: save ledger: %w", err)
	}
	return nil
}

// StatusStore keeps the latest status snapshot in a JSON file.
type StatusStore struct {
	path string
}

// NewStatusStore creates a StatusStore backed by path.
func NewStatusStore(path string) *StatusStore {
	return &StatusStore{path: path}
}

func (s *StatusStore) WriteStatus(_ context.Context, snap domain.StatusSnapshot) error {
	if err := writeJSON(s.path, snap); err != nil {
		return fmt.Errorf("file: write status: %w", err)
	}
	return nil
}

// ReadStatus returns the stored snapshot, or domain.ErrNotFound when none
// has been written.
func (s *StatusStore) ReadStatus(_ context.Context) (domain.StatusSnapshot, error) {
	var snap domain.StatusSnapshot
	found, err := readJSON(s.path, &snap)
	if err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("file: read status: %w", err)
	}
	if !found {
		return domain.StatusSnapshot{}, fmt.Errorf("file: read status %s: %w", s.path, domain.ErrNotFound)
	}
	return snap, nil
}

// Path returns the backing file.
func (s *StatusStore) Path() string { return s.path }
