package downloader

import (
	"context"
	"fmt"
	"sync"
)

// MemFetcher and MemInserter are in-memory reference implementations of
// Fetcher/Inserter used for tests and local development, not production —
// the real collaborator is the host content-addressed network (§1 non-
// goal). Kept here, clearly separated from the Fetcher/Inserter
// interfaces they implement, per SPEC_FULL.md's DOMAIN MODEL ADDITIONS.
type MemFetcher struct {
	mu   sync.Mutex
	docs map[string][]byte // key: fmt.Sprintf("%s@%d", uri, edition)
}

// NewMemFetcher returns an empty in-memory fetcher.
func NewMemFetcher() *MemFetcher {
	return &MemFetcher{docs: make(map[string][]byte)}
}

// Publish makes data available at uri/edition for subsequent Fetch calls.
func (m *MemFetcher) Publish(uri string, edition int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[fetchKey(uri, edition)] = data
}

// Fetch implements Fetcher. If the requested edition is not yet published
// it returns an error at once (ctx's error if ctx is already done); it does
// not wait for a later Publish.
func (m *MemFetcher) Fetch(ctx context.Context, uri string, edition int64) ([]byte, error) {
	for {
		m.mu.Lock()
		data, ok := m.docs[fetchKey(uri, edition)]
		m.mu.Unlock()
		if ok {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, fmt.Errorf("memfetch: %s edition %d not yet available", uri, edition)
	}
}

func fetchKey(uri string, edition int64) string { return fmt.Sprintf("%s@%d", uri, edition) }

// MemInserter records inserted documents and makes them immediately
// fetchable by a paired MemFetcher (set via LinkFetcher), so a test engine
// can round-trip its own published documents without a real network.
type MemInserter struct {
	mu      sync.Mutex
	fetcher *MemFetcher
}

// NewMemInserter returns an inserter that publishes into fetcher.
func NewMemInserter(fetcher *MemFetcher) *MemInserter {
	return &MemInserter{fetcher: fetcher}
}

// Insert implements Inserter.
func (m *MemInserter) Insert(ctx context.Context, uri string, edition int64, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.fetcher.Publish(uri, edition, data)
	return nil
}
