// Package velocity maintains rolling per-entity transaction windows.
package velocity

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

// Standard window sizes used by the rule engine.
const (
	ShortWindow  = time.Minute
	MediumWindow = time.Hour
	LongWindow   = 24 * time.Hour
)

// WindowStats is the rolling aggregate for one entity and window.
type WindowStats struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
}

// Snapshot is the velocity state handed to the rule engine. It is a
// point-in-time copy and may be staler than a concurrent Record from
// another goroutine; rules use rates, not audit-grade counts.
type Snapshot struct {
	Short  WindowStats `json:"short"`
	Medium WindowStats `json:"medium"`
	Long   WindowStats `json:"long"`

	// Baseline over the long window, used for amount-anomaly checks.
	// Zero Long.Count means no baseline: anomaly rules must not trigger.
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

type sample struct {
	ts     time.Time
	amount int64
}

// entity holds one entity's time-ordered samples. The per-entity mutex
// serializes writers so window updates apply in timestamp order; no
// cross-entity locking exists beyond the map's read lock.
type entity struct {
	mu      sync.Mutex
	samples []sample
}

// Store is an in-memory sliding-window velocity store keyed by
// (tenant, entity). Entries older than the longest window are evicted
// lazily on record and query; the store is reconstructable from
// transaction history and is never persisted.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*entity
	now      func() time.Time
}

// NewStore creates an empty velocity store retaining the long window.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]*entity),
		now:      time.Now,
	}
}

// Record appends a transaction amount for an entity. Appends are O(1)
// amortized; a late arrival (timestamp before the newest sample) is
// inserted in order and reported via the return value, never rejected.
func (s *Store) Record(tenantID, entityID string, amount int64, ts time.Time) (late bool) {
	e := s.entity(tenantID, entityID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.evictLocked(s.now())

	n := len(e.samples)
	if n == 0 || !ts.Before(e.samples[n-1].ts) {
		e.samples = append(e.samples, sample{ts: ts, amount: amount})
		return false
	}

	// Late arrival: insert in timestamp order so rate calculations
	// stay meaningful.
	i := sort.Search(n, func(i int) bool { return e.samples[i].ts.After(ts) })
	e.samples = append(e.samples, sample{})
	copy(e.samples[i+1:], e.samples[i:])
	e.samples[i] = sample{ts: ts, amount: amount}
	return true
}

// Query returns the count and sum within the trailing window. An entity
// with no recorded activity returns zero stats.
func (s *Store) Query(tenantID, entityID string, window time.Duration) WindowStats {
	e := s.lookup(tenantID, entityID)
	if e == nil {
		return WindowStats{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	e.evictLocked(now)
	return e.windowLocked(now, window)
}

// Snapshot returns all standard windows plus the long-window baseline.
func (s *Store) Snapshot(tenantID, entityID string) Snapshot {
	e := s.lookup(tenantID, entityID)
	if e == nil {
		return Snapshot{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	e.evictLocked(now)

	snap := Snapshot{
		Short:  e.windowLocked(now, ShortWindow),
		Medium: e.windowLocked(now, MediumWindow),
		Long:   e.windowLocked(now, LongWindow),
	}

	if snap.Long.Count > 0 {
		snap.Mean = float64(snap.Long.Sum) / float64(snap.Long.Count)
		var ss float64
		cutoff := now.Add(-LongWindow)
		for _, smp := range e.samples {
			if smp.ts.Before(cutoff) {
				continue
			}
			d := float64(smp.amount) - snap.Mean
			ss += d * d
		}
		snap.StdDev = math.Sqrt(ss / float64(snap.Long.Count))
	}

	return snap
}

// Warm replays persisted transaction views into the store, recording
// both payer and payee sides. Used at startup to rebuild window state.
func (s *Store) Warm(tenantID string, views []*domain.TransactionView) int {
	n := 0
	for _, v := range views {
		s.Record(tenantID, v.PayerID, v.Amount, v.Timestamp)
		s.Record(tenantID, v.PayeeID, v.Amount, v.Timestamp)
		n++
	}
	return n
}

// EntityCount returns the number of tracked (tenant, entity) pairs.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func (s *Store) entity(tenantID, entityID string) *entity {
	key := makeKey(tenantID, entityID)

	s.mu.RLock()
	e, ok := s.entities[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entities[key]; ok {
		return e
	}
	e = &entity{}
	s.entities[key] = e
	return e
}

func (s *Store) lookup(tenantID, entityID string) *entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[makeKey(tenantID, entityID)]
}

func makeKey(tenantID, entityID string) string {
	return tenantID + ":" + entityID
}

// evictLocked drops samples older than the retention horizon.
// Caller holds e.mu.
func (e *entity) evictLocked(now time.Time) {
	cutoff := now.Add(-LongWindow)
	i := 0
	for i < len(e.samples) && e.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
}

// windowLocked aggregates samples within the trailing window.
// Caller holds e.mu; samples are timestamp-ordered.
func (e *entity) windowLocked(now time.Time, window time.Duration) WindowStats {
	cutoff := now.Add(-window)
	var st WindowStats
	for i := len(e.samples) - 1; i >= 0; i-- {
		if e.samples[i].ts.Before(cutoff) {
			break
		}
		st.Count++
		st.Sum += e.samples[i].amount
	}
	return st
}
