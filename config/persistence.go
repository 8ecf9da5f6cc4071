package config

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// persistenceQueueMax bounds the number of pending entries between flushes.
const persistenceQueueMax = 32

// queueValue is a tagged variant holding one pending value.
type queueValue struct {
	kind ValueType
	i    int
	b    bool
	s    string
	f    float64
}

type queueEntry struct {
	section Section
	key     string
	value   queueValue
	queued  time.Time
}

// persistQueue collects pending mutations between flushes. It carries its own
// mutex so a slow disk flush never blocks store reads and writes, only other
// flush attempts.
type persistQueue struct {
	mu      sync.Mutex
	entries []queueEntry
}

// enqueue records a pending write. Writes to the same (section, key) before a
// flush coalesce into a single entry holding the latest value.
func (q *persistQueue) enqueue(section Section, key string, v queueValue) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].section == section && q.entries[i].key == key {
			q.entries[i].value = v
			q.entries[i].queued = time.Now()
			return nil
		}
	}

	if len(q.entries) >= persistenceQueueMax {
		return errors.QuotaLimitExceededf("persistence queue full (%d entries)", persistenceQueueMax)
	}

	q.entries = append(q.entries, queueEntry{
		section: section,
		key:     key,
		value:   v,
		queued:  time.Now(),
	})
	return nil
}

func (q *persistQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// drain removes the first n entries after a successful flush. Entries queued
// while the flush was in progress survive for the next one.
func (q *persistQueue) drain(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= len(q.entries) {
		q.entries = q.entries[:0]
		return
	}
	q.entries = append(q.entries[:0], q.entries[n:]...)
}

func (q *persistQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
}
