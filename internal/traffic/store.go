// Package traffic keeps the rolling log of proxied requests and computes
// the dashboard statistics derived from it.
package traffic

import (
	"sync"
	"time"

	"promptfw/internal/firewall"
)

// DefaultCapacity bounds the in-memory traffic log.
const DefaultCapacity = 10_000

// Store is the traffic log. Entries are immutable once appended.
type Store interface {
	// Append records an entry, evicting the oldest when full.
	Append(entry firewall.TrafficEntry)
	// Recent returns up to limit of the newest entries, oldest first.
	Recent(limit int) []firewall.TrafficEntry
	// Snapshot returns every retained entry, oldest first.
	Snapshot() []firewall.TrafficEntry
	// Find looks up an entry by id.
	Find(id string) (firewall.TrafficEntry, bool)
	// Len reports how many entries are retained.
	Len() int
	// Close releases any backing resources.
	Close() error
}

// MemoryLog is the default single-process ring buffer.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []firewall.TrafficEntry
	capacity int
}

// NewMemoryLog returns a ring holding at most capacity entries
// (DefaultCapacity when capacity is not positive).
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLog{capacity: capacity}
}

func (l *MemoryLog) Append(entry firewall.TrafficEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

func (l *MemoryLog) Recent(limit int) []firewall.TrafficEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]firewall.TrafficEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

func (l *MemoryLog) Snapshot() []firewall.TrafficEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]firewall.TrafficEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MemoryLog) Find(id string) (firewall.TrafficEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return l.entries[i], true
		}
	}
	return firewall.TrafficEntry{}, false
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryLog) Close() error { return nil }

// ComputeStats derives the traffic-side dashboard numbers from a
// snapshot: totals over the last 24 hours and the request rate over the
// last minute. Spend and token totals come from the budget ledger and
// are filled in by the caller.
func ComputeStats(entries []firewall.TrafficEntry, now time.Time) firewall.Stats {
	var s firewall.Stats
	dayAgo := now.Add(-24 * time.Hour)
	minuteAgo := now.Add(-time.Minute)

	for _, e := range entries {
		if e.Timestamp.After(minuteAgo) {
			s.RequestsPerMinute++
		}
		if !e.Timestamp.After(dayAgo) {
			continue
		}
		s.TotalRequests++
		if e.Blocked {
			s.BlockedRequests++
		}
		s.PIIDetections += len(e.PIIDetected)
		s.InjectionAttempts += len(e.InjectionDetected)
	}
	return s
}
