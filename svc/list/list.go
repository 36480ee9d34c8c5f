// Package list holds the in-memory working set of clipboard records mirrored
// from the store, most-recent-first, bounded by the configured capacity.
package list

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"clipvault/pkg/domain"
)

// List is safe for concurrent use; the capture consumer, host actions and
// sync replay all mutate it.
type List struct {
	mu      sync.Mutex
	max     int
	records []*domain.ClipboardRecord
}

func New(max int) *List {
	return &List{max: max}
}

// Insert runs the dedup gate and, if the candidate is new, places it at the
// head. It returns the record evicted by capacity pressure, if any. A pinned
// tail is never evicted, so with everything pinned the list may exceed its
// capacity; that is accepted behavior.
func (l *List) Insert(rec *domain.ClipboardRecord) (inserted bool, evicted *domain.ClipboardRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.records {
		if existing.SameCapture(rec) {
			return false, nil
		}
	}
	l.records = append([]*domain.ClipboardRecord{rec}, l.records...)
	if len(l.records) > l.max {
		tail := l.records[len(l.records)-1]
		if !tail.Pinned {
			l.records = l.records[:len(l.records)-1]
			evicted = tail
		}
	}
	return true, evicted
}

// Remove deletes by hash id and returns the removed record, or nil.
func (l *List) Remove(hashID string) *domain.ClipboardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, rec := range l.records {
		if rec.HashID == hashID {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return rec
		}
	}
	return nil
}

// Pin sets the pinned flag and returns the record, or nil if absent.
func (l *List) Pin(hashID string, pinned bool) *domain.ClipboardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.HashID == hashID {
			rec.Pinned = pinned
			return rec
		}
	}
	return nil
}

// Get returns the record with the given hash id, or nil.
func (l *List) Get(hashID string) *domain.ClipboardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.HashID == hashID {
			return rec
		}
	}
	return nil
}

// RemoveUnpinned drops every unpinned record and returns them.
func (l *List) RemoveUnpinned() []*domain.ClipboardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	var removed []*domain.ClipboardRecord
	for _, rec := range l.records {
		if rec.Pinned {
			kept = append(kept, rec)
		} else {
			removed = append(removed, rec)
		}
	}
	l.records = kept
	return removed
}

// Clear drops every record.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

// Replace swaps in a freshly loaded record set (head = most recent).
func (l *List) Replace(records []*domain.ClipboardRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// All returns a copy of the list in insertion order, newest first.
func (l *List) All() []*domain.ClipboardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.ClipboardRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Query filters valid records by case-insensitive substring match on their
// display text and returns them ordered by display score, descending. An
// empty query returns the whole working set.
func (l *List) Query(q string, order domain.RecordOrder) []*domain.ClipboardRecord {
	needle := Normalize(q)
	matched := make([]*domain.ClipboardRecord, 0)
	for _, rec := range l.All() {
		if rec.Invalid {
			continue
		}
		if needle != "" && !strings.Contains(Normalize(rec.DisplayText()), needle) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := DisplayScore(matched[i], order), DisplayScore(matched[j], order)
		if si != sj {
			return si > sj
		}
		return matched[i].OrdinalScore > matched[j].OrdinalScore
	})
	return matched
}

// Normalize case-folds search text; NFC first so composed and decomposed
// forms of the same character compare equal.
func Normalize(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}
