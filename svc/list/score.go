package list

import (
	"sync"

	"clipvault/pkg/domain"
)

const scoreInterval = 1

// Type buckets for the data_type order mode. The spans are disjoint so the
// content type always dominates the ordinal tiebreak within a bucket.
const (
	bucketSpan  = int64(1) << 40
	bucketOther = 0 * bucketSpan
	bucketFiles = 1 * bucketSpan
	bucketImage = 2 * bucketSpan
	bucketText  = 3 * bucketSpan
)

// Tracker hands out the monotonically increasing ordinal scores assigned at
// capture time.
type Tracker struct {
	mu      sync.Mutex
	current int64
}

func NewTracker() *Tracker {
	return &Tracker{current: 1}
}

// Seed moves the tracker past scores already assigned (after loading a
// persisted history).
func (t *Tracker) Seed(highest int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if highest > t.current {
		t.current = highest
	}
}

// Next advances by the fixed interval and returns the new score.
func (t *Tracker) Next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current += scoreInterval
	return t.current
}

// Reset returns the tracker to its starting point, used after a full clear.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = 1
}

// DisplayScore computes the user-facing sort score for one record under the
// given order mode. Pinned records always report the reserved maximum.
func DisplayScore(rec *domain.ClipboardRecord, order domain.RecordOrder) int64 {
	if rec.Pinned {
		return domain.PinnedScore
	}
	switch order {
	case domain.OrderDataType:
		return typeBucket(rec.ContentType) + rec.OrdinalScore
	case domain.OrderSourceApp:
		return sourceAppScore(rec.SourceApp)
	default:
		return rec.OrdinalScore
	}
}

func typeBucket(t domain.ContentType) int64 {
	switch t {
	case domain.TypePlainText, domain.TypeRichText:
		return bucketText
	case domain.TypeImage:
		return bucketImage
	case domain.TypeFiles:
		return bucketFiles
	default:
		return bucketOther
	}
}

// sourceAppScore sums the UTF-8 bytes of the first 10 characters of the
// sender application's name: a cheap, stable bucketing. Collisions are
// possible and accepted.
func sourceAppScore(app string) int64 {
	var sum int64
	seen := 0
	for _, r := range app {
		if seen == 10 {
			break
		}
		for _, b := range []byte(string(r)) {
			sum += int64(b)
		}
		seen++
	}
	return sum
}
