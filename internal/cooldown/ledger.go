// Package cooldown implements the persistent (rule, symbol, timeframe) →
// last-fire ledger that enforces at-most-once-per-cooldown across restarts.
package cooldown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/obs"
)

// Key identifies one cooldown slot.
type Key struct {
	Rule      string
	Symbol    string
	Timeframe string
}

func (k Key) String() string {
	return k.Rule + "|" + k.Symbol + "|" + k.Timeframe
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed cooldown key %q", s)
	}
	return Key{Rule: parts[0], Symbol: parts[1], Timeframe: parts[2]}, nil
}

// Store is the durable backing for the ledger. Set must be durable before it
// returns; Get returns the zero time for unknown keys.
type Store interface {
	Get(ctx context.Context, key Key) (time.Time, error)
	Set(ctx context.Context, key Key, ts time.Time) error
	LoadAll(ctx context.Context) (map[string]time.Time, error)
}

// PersistError wraps a failed durable write. The caller must suppress the
// signal it was about to emit.
type PersistError struct {
	Key Key
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("cooldown persist failed for %s: %v", e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Ledger is the write-through cache over a Store. Evaluation is sequential
// within one signal source and keys do not collide across sources, so a
// single writer per key holds; the mutex only guards the cache map.
type Ledger struct {
	store Store

	mu    sync.RWMutex
	cache map[string]time.Time

	suppressed int64
}

// NewLedger builds a ledger over the given store. Call Hydrate before use.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		cache: make(map[string]time.Time),
	}
}

// Hydrate loads all persisted entries into the in-memory cache.
func (l *Ledger) Hydrate(ctx context.Context) error {
	entries, err := l.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate cooldown ledger: %w", err)
	}

	l.mu.Lock()
	l.cache = make(map[string]time.Time, len(entries))
	for k, ts := range entries {
		l.cache[k] = ts.UTC()
	}
	l.mu.Unlock()

	log.Debug().Int("entries", len(entries)).Msg("Hydrated cooldown ledger")
	return nil
}

// LastFire returns the cached last firing moment, zero if never fired.
func (l *Ledger) LastFire(key Key) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[key.String()]
}

// Allow reports whether a rule may fire at now given its cooldown.
func (l *Ledger) Allow(key Key, now time.Time, cooldownSec int64) bool {
	if cooldownSec <= 0 {
		return true
	}
	last := l.LastFire(key)
	if last.IsZero() {
		return true
	}
	return !now.Before(last.Add(time.Duration(cooldownSec) * time.Second))
}

// Commit durably records a firing. The write-through ordering is
// load-bearing: the store write happens before the cache update, and the
// caller must not emit the signal if Commit fails.
func (l *Ledger) Commit(ctx context.Context, key Key, ts time.Time) error {
	if err := l.store.Set(ctx, key, ts.UTC()); err != nil {
		l.mu.Lock()
		l.suppressed++
		l.mu.Unlock()
		obs.CooldownPersistFailures.Inc()
		return &PersistError{Key: key, Err: err}
	}

	l.mu.Lock()
	l.cache[key.String()] = ts.UTC()
	l.mu.Unlock()
	return nil
}

// Suppressed returns how many signals were suppressed by persist failures.
func (l *Ledger) Suppressed() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.suppressed
}

// MemoryStore is the in-process Store used by tests and synthetic replay
// runs that do not need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	// FailWrites makes every Set fail; used to exercise suppression paths.
	FailWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key.String()], nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, ts time.Time) error {
	if m.FailWrites {
		return fmt.Errorf("memory store writes disabled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.String()] = ts.UTC()
	return nil
}

func (m *MemoryStore) LoadAll(_ context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}
