package web

import (
	"sync"

	"github.com/umputun/betagate/pkg/phase"
)

// DefaultBufferSize is the default maximum number of events to keep in the buffer.
const DefaultBufferSize = 10000

// Buffer is a thread-safe ring buffer of events with phase indexing, so
// monitor requests and late-joining SSE clients can replay history quickly.
type Buffer struct {
	mu       sync.RWMutex
	events   []Event
	maxSize  int
	writePos int // next position to write (wraps around)
	count    int // total events written (for full detection)

	// positions of events by phase for quick filtering
	phaseIndex map[phase.Phase][]int
}

// NewBuffer creates a new ring buffer with the specified max size.
// if maxSize is 0, DefaultBufferSize is used.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffer{
		events:     make([]Event, maxSize),
		maxSize:    maxSize,
		phaseIndex: make(map[phase.Phase][]int),
	}
}

// Add appends an event to the buffer, overwriting oldest if full.
func (b *Buffer) Add(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// clean up the old index entry before overwriting a full buffer slot
	if b.count >= b.maxSize {
		b.cleanOldIndexEntry(b.writePos)
	}

	b.events[b.writePos] = e
	b.phaseIndex[e.Phase] = append(b.phaseIndex[e.Phase], b.writePos)

	b.writePos = (b.writePos + 1) % b.maxSize
	b.count++
}

// cleanOldIndexEntry removes stale index entries for the position being
// overwritten. must be called with lock held.
func (b *Buffer) cleanOldIndexEntry(pos int) {
	oldEvent := b.events[pos]
	indices, ok := b.phaseIndex[oldEvent.Phase]
	if !ok {
		return
	}
	newIndices := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx != pos {
			newIndices = append(newIndices, idx)
		}
	}
	if len(newIndices) == 0 {
		delete(b.phaseIndex, oldEvent.Phase)
	} else {
		b.phaseIndex[oldEvent.Phase] = newIndices
	}
}

// All returns all events in chronological order.
func (b *Buffer) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return nil
	}

	actualCount := min(b.count, b.maxSize)
	result := make([]Event, actualCount)

	if b.count <= b.maxSize {
		copy(result, b.events[:b.count])
	} else {
		// buffer wrapped, read from writePos to end, then start to writePos
		tailLen := b.maxSize - b.writePos
		copy(result[:tailLen], b.events[b.writePos:])
		copy(result[tailLen:], b.events[:b.writePos])
	}
	return result
}

// ByPhase returns all events for the given phase in chronological order.
func (b *Buffer) ByPhase(p phase.Phase) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	indices, ok := b.phaseIndex[p]
	if !ok || len(indices) == 0 {
		return nil
	}

	result := make([]Event, len(indices))
	for i, idx := range indices {
		result[i] = b.events[idx]
	}

	// sort by timestamp, index positions lose order after wraparound.
	// insertion sort, these slices are typically small
	for i := 1; i < len(result); i++ {
		j := i
		for j > 0 && result[j].Timestamp.Before(result[j-1].Timestamp) {
			result[j], result[j-1] = result[j-1], result[j]
			j--
		}
	}
	return result
}

// Count returns the total number of events currently in the buffer.
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count > b.maxSize {
		return b.maxSize
	}
	return b.count
}
