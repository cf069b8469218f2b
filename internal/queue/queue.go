// Package queue implements the identity-file queue (C3): a bounded buffer
// between the downloader and the importer, with deduplication or FIFO
// delivery order, single-consumer poll/close semantics, and a crash-
// surviving statistics sidecar. Grounded on core/persistence.go's JSON
// sidecar pattern for the stats file and on the teacher's general
// mutex-guarded-map style (core/registry.go).
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ErrAlreadyPolled is returned by Poll when a previously returned PolledFile has
// not yet been closed (§4.3: "at most one poll()-result may be unclosed at
// any time across threads").
var ErrAlreadyPolled = errors.New("queue: previous poll result not yet closed")

// Key identifies a queued file by identity and edition.
type Key struct {
	IdentityID string
	Edition    int64
}

// File is a single downloaded identity document awaiting import.
type File struct {
	Key    Key
	Stream io.ReadCloser
}

// EventHandler is notified when the queue transitions from empty to
// non-empty (or immediately at registration time if already non-empty).
type EventHandler interface {
	TriggerExecution()
}

// Mode selects the queue's duplicate-handling policy (§4.3).
type Mode int

const (
	// ModeDedup keeps only the latest edition per identity, dropping
	// older queued editions; poll() order is therefore not FIFO.
	ModeDedup Mode = iota
	// ModeFIFO preserves insertion order, used for deterministic replay.
	ModeFIFO
)

// Stats is the crash-surviving counters sidecar (§6.3): total,
// deduplicated, failed, finished, and how many were left over from the
// previous session, plus a ring buffer of per-enqueue timestamps. It keeps
// no separate queued counter.
type Stats struct {
	Total                  int64   `json:"total"`
	Deduplicated           int64   `json:"deduplicated"`
	Failed                 int64   `json:"failed"`
	Finished               int64   `json:"finished"`
	LeftoverFromPrevSession int64  `json:"leftoverFromPreviousSession"`
	Timestamps             []int64 `json:"timestamps"` // unix nanos, ring buffer
}

const timestampRingCapacity = 128 * 1024

// Queue is the bounded identity-file buffer.
type Queue struct {
	mu       sync.Mutex
	mode     Mode
	softLimit int

	order   []Key // insertion order, for ModeFIFO and for dedup's "most recent wins" bookkeeping
	items   map[Key]*File
	handler EventHandler

	polled bool // true while a Poll()'d item has not been Close()d

	stats     Stats
	statsPath string
}

// New builds a Queue with the given duplicate-handling mode and soft
// capacity limit, persisting stats to statsPath (empty disables
// persistence).
func New(mode Mode, softLimit int, statsPath string) *Queue {
	q := &Queue{
		mode:      mode,
		softLimit: softLimit,
		items:     make(map[Key]*File),
		statsPath: statsPath,
	}
	if statsPath != "" {
		if s, err := loadStats(statsPath); err == nil {
			q.stats = s
			q.stats.LeftoverFromPrevSession = q.stats.Total - q.stats.Finished - q.stats.Failed
		}
	}
	return q
}

// Add enqueues file. It never fails due to capacity (soft-limit only); in
// ModeDedup it replaces any existing queued edition for the same identity,
// regardless of edition ordering (callers ignore stale editions on
// import); in ModeFIFO it appends, and an older queued edition for the
// same identity is left in place (both will be delivered).
func (q *Queue) Add(f *File) {
	q.mu.Lock()
	wasEmpty := len(q.items) == 0
	q.stats.Total++
	q.recordTimestampLocked()

	if q.mode == ModeDedup {
		for _, k := range q.keysForIdentityLocked(f.Key.IdentityID) {
			if k != f.Key {
				delete(q.items, k)
				q.removeFromOrderLocked(k)
				q.stats.Deduplicated++
			}
		}
	}

	if _, exists := q.items[f.Key]; exists {
		q.stats.Deduplicated++
		q.items[f.Key] = f
		q.mu.Unlock()
		q.persist()
		return
	}

	q.items[f.Key] = f
	q.order = append(q.order, f.Key)
	handler := q.handler
	becameNonEmpty := wasEmpty && len(q.items) > 0
	q.mu.Unlock()

	q.persist()
	if becameNonEmpty && handler != nil {
		handler.TriggerExecution()
	}
}

func (q *Queue) keysForIdentityLocked(identityID string) []Key {
	var out []Key
	for k := range q.items {
		if k.IdentityID == identityID {
			out = append(out, k)
		}
	}
	return out
}

func (q *Queue) removeFromOrderLocked(k Key) {
	for i, o := range q.order {
		if o == k {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Poll returns a single queued file, or nil if empty. The caller MUST call
// Close on the returned handle before the next Poll — Poll returns
// ErrAlreadyPolled otherwise.
func (q *Queue) Poll() (*PolledFile, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.polled {
		return nil, ErrAlreadyPolled
	}
	if len(q.order) == 0 {
		return nil, nil
	}
	k := q.order[0]
	q.order = q.order[1:]
	f := q.items[k]
	delete(q.items, k)
	q.polled = true
	return &PolledFile{queue: q, File: f}, nil
}

// PolledFile wraps a File returned by Poll; Close releases the
// single-in-flight slot.
type PolledFile struct {
	queue  *Queue
	File   *File
	closed bool
}

// Close releases the poll slot and marks the item finished in statistics.
// It also closes the underlying stream.
func (p *PolledFile) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue.mu.Lock()
	p.queue.polled = false
	p.queue.stats.Finished++
	p.queue.mu.Unlock()
	p.queue.persist()
	if p.File.Stream != nil {
		return p.File.Stream.Close()
	}
	return nil
}

// MarkFailed records a permanent processing failure for statistics
// purposes; the stream is still expected to be Closed separately.
func (p *PolledFile) MarkFailed() {
	p.queue.mu.Lock()
	p.queue.stats.Failed++
	p.queue.mu.Unlock()
	p.queue.persist()
}

// ContainsAnyEditionOf reports whether any edition of identityID is
// currently queued, a fast path for the fetcher to skip starting
// duplicate fetches.
func (q *Queue) ContainsAnyEditionOf(identityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.items {
		if k.IdentityID == identityID {
			return true
		}
	}
	return false
}

// GetSize returns the number of files currently queued.
func (q *Queue) GetSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetSizeSoftLimit returns the configured soft limit; fetchers other than
// a high-priority "fast" fetcher should pause above it.
func (q *Queue) GetSizeSoftLimit() int { return q.softLimit }

// RegisterEventHandler installs h. If the queue is already non-empty, h is
// triggered immediately (registration is idempotent: re-registering the
// same handler value replaces, never duplicates, the prior registration).
func (q *Queue) RegisterEventHandler(h EventHandler) {
	q.mu.Lock()
	q.handler = h
	nonEmpty := len(q.items) > 0
	q.mu.Unlock()
	if nonEmpty && h != nil {
		h.TriggerExecution()
	}
}

func (q *Queue) recordTimestampLocked() {
	q.stats.Timestamps = append(q.stats.Timestamps, time.Now().UnixNano())
	if len(q.stats.Timestamps) > timestampRingCapacity {
		q.stats.Timestamps = q.stats.Timestamps[len(q.stats.Timestamps)-timestampRingCapacity:]
	}
}

// Stats returns a copy of the current statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := q.stats
	cp.Timestamps = append([]int64(nil), q.stats.Timestamps...)
	return cp
}

func (q *Queue) persist() {
	if q.statsPath == "" {
		return
	}
	q.mu.Lock()
	snap := q.stats
	snap.Timestamps = append([]int64(nil), q.stats.Timestamps...)
	q.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	tmp := q.statsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, q.statsPath)
}

func loadStats(path string) (Stats, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("queue: read stats: %w", err)
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, fmt.Errorf("queue: parse stats: %w", err)
	}
	return s, nil
}
