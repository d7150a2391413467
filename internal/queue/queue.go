// Package queue holds pending profile fetches in approximate descending score
// order.
package queue

import (
	"sync"
	"time"

	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
)

// Entry is a pending fetch request.
type Entry struct {
	Identity   string
	Key        string
	AddedAt    time.Time
	Score      float64
	ContextTag string
	RetryCount int
}

// Queue is safe for concurrent use. Insertion spends at most a fixed number
// of bisection steps looking for its position, so ordering is approximate.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	steps   int
	context string
	now     func() time.Time
}

// New returns an empty queue that spends at most steps bisection steps per
// insert. Values below 1 mean 2.
func New(steps int) *Queue {
	if steps < 1 {
		steps = 2
	}
	return &Queue{steps: steps, now: time.Now}
}

// Enqueue adds identity unless an entry with the same normalized key is
// already queued. It reports whether an entry was added.
func (q *Queue) Enqueue(identity string, score float64, contextTag string) (bool, error) {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return false, err
	}
	return q.Push(&Entry{
		Identity:   identity,
		Key:        key,
		AddedAt:    q.now(),
		Score:      score,
		ContextTag: contextTag,
	}), nil
}

// Push inserts an existing entry, keeping its retry count. Used to requeue
// failed fetches.
func (q *Queue) Push(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cur := range q.entries {
		if cur.Key == e.Key {
			return false
		}
	}
	i := q.insertIndex(e.Score)
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	metrics.SetQueueDepth(len(q.entries))
	return true
}

// insertIndex narrows [lo, hi) by bisection for at most q.steps rounds and
// returns the upper boundary reached. Ties go after existing entries.
func (q *Queue) insertIndex(score float64) int {
	lo, hi := 0, len(q.entries)
	for step := 0; step < q.steps && lo < hi; step++ {
		mid := (lo + hi) / 2
		if q.entries[mid].Score >= score {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return hi
}

// DequeueNext removes and returns the head of the queue.
func (q *Queue) DequeueNext() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	metrics.SetQueueDepth(len(q.entries))
	return e, true
}

// RetainContext drops every entry whose context tag differs from tag and
// remembers tag as the active context.
func (q *Queue) RetainContext(tag string) int {
	q.mu.Lock()
	q.context = tag
	q.mu.Unlock()
	return q.filter(func(e *Entry) bool { return e.ContextTag == tag })
}

// Context returns the tag of the last RetainContext call.
func (q *Queue) Context() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.context
}

// Remove drops any entry for identity and reports how many were removed.
func (q *Queue) Remove(identity string) int {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return 0
	}
	return q.filter(func(e *Entry) bool { return e.Key != key })
}

func (q *Queue) filter(keep func(*Entry) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	dropped := len(q.entries) - len(kept)
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	metrics.SetQueueDepth(len(q.entries))
	return dropped
}

// Contains reports whether identity is queued.
func (q *Queue) Contains(identity string) bool {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns copies of up to limit entries from the head.
func (q *Queue) Snapshot(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.entries) {
		limit = len(q.entries)
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = *q.entries[i]
	}
	return out
}
