package consumer

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/samsamfire/canhost"
)

const DefaultDeltaCache = 4096

// DeltaTracker remembers the last timestamp seen for each identifier.
// At most size identifiers are kept, the least recently seen are evicted.
// Not safe for concurrent use, it belongs to a single consumer.
type DeltaTracker struct {
	last *lru.Cache
}

func NewDeltaTracker(size int) *DeltaTracker {
	if size <= 0 {
		size = DefaultDeltaCache
	}
	last, _ := lru.New(size) // Can only error if size is negative
	return &DeltaTracker{last: last}
}

// Observe records frame and returns the time elapsed (ms) since the
// previous frame with the same identifier. known is false on first occurrence.
func (t *DeltaTracker) Observe(frame canhost.Frame) (delta int64, known bool) {
	previous, known := t.last.Get(frame.ID)
	t.last.Add(frame.ID, frame.Timestamp)
	if !known {
		return 0, false
	}
	return frame.Timestamp - previous.(int64), true
}

// Number of identifiers currently tracked
func (t *DeltaTracker) Len() int {
	return t.last.Len()
}

func (t *DeltaTracker) Reset() {
	t.last.Purge()
}
