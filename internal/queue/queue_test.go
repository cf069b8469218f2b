package queue

import (
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func newFile(id string, edition int64, body string) *File {
	return &File{
		Key:    Key{IdentityID: id, Edition: edition},
		Stream: io.NopCloser(strings.NewReader(body)),
	}
}

type countingHandler struct{ triggers int }

func (h *countingHandler) TriggerExecution() { h.triggers++ }

func TestAddTriggersHandlerOnlyOnEmptyToNonEmpty(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	h := &countingHandler{}
	q.RegisterEventHandler(h)

	q.Add(newFile("alice", 1, "a"))
	q.Add(newFile("bob", 1, "b"))

	if h.triggers != 1 {
		t.Errorf("handler triggered %d times, want 1 (only empty->non-empty transition)", h.triggers)
	}
}

func TestRegisterEventHandlerTriggersImmediatelyIfNonEmpty(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	q.Add(newFile("alice", 1, "a"))

	h := &countingHandler{}
	q.RegisterEventHandler(h)
	if h.triggers != 1 {
		t.Errorf("handler triggered %d times on registration against a non-empty queue, want 1", h.triggers)
	}
}

func TestModeDedupKeepsOnlyLatestEdition(t *testing.T) {
	q := New(ModeDedup, 100, "")
	q.Add(newFile("alice", 1, "old"))
	q.Add(newFile("alice", 2, "new"))

	if got := q.GetSize(); got != 1 {
		t.Fatalf("GetSize() = %d, want 1 in ModeDedup", got)
	}

	polled, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if polled.File.Key.Edition != 2 {
		t.Errorf("Poll() returned edition %d, want 2 (the latest)", polled.File.Key.Edition)
	}
	if err := polled.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := q.Stats()
	if stats.Deduplicated != 1 {
		t.Errorf("Stats().Deduplicated = %d, want 1", stats.Deduplicated)
	}
}

func TestModeFIFOPreservesBothEditions(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	q.Add(newFile("alice", 1, "old"))
	q.Add(newFile("alice", 2, "new"))

	if got := q.GetSize(); got != 2 {
		t.Errorf("GetSize() = %d, want 2 in ModeFIFO", got)
	}

	first, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if first.File.Key.Edition != 1 {
		t.Errorf("first Poll() returned edition %d, want 1 (FIFO order)", first.File.Key.Edition)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := q.Poll()
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if second.File.Key.Edition != 2 {
		t.Errorf("second Poll() returned edition %d, want 2", second.File.Key.Edition)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPollSingleInFlight(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	q.Add(newFile("alice", 1, "a"))
	q.Add(newFile("bob", 1, "b"))

	first, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if _, err := q.Poll(); err != ErrAlreadyPolled {
		t.Errorf("Poll() while unclosed = %v, want ErrAlreadyPolled", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll after Close: %v", err)
	}
	if second == nil {
		t.Fatal("Poll after Close returned nil, want the remaining item")
	}
}

func TestPollEmptyReturnsNil(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	got, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll on empty queue: %v", err)
	}
	if got != nil {
		t.Error("Poll on empty queue should return nil")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	q.Add(newFile("alice", 1, "a"))
	polled, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := polled.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := polled.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil", err)
	}
}

func TestMarkFailedRecordsStat(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	q.Add(newFile("alice", 1, "a"))
	polled, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	polled.MarkFailed()
	if err := polled.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := q.Stats().Failed; got != 1 {
		t.Errorf("Stats().Failed = %d, want 1", got)
	}
}

func TestContainsAnyEditionOf(t *testing.T) {
	q := New(ModeFIFO, 100, "")
	if q.ContainsAnyEditionOf("alice") {
		t.Error("ContainsAnyEditionOf should be false before any Add")
	}
	q.Add(newFile("alice", 1, "a"))
	if !q.ContainsAnyEditionOf("alice") {
		t.Error("ContainsAnyEditionOf should be true after Add")
	}
}

func TestStatsPersistAcrossNewQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	q := New(ModeFIFO, 100, path)
	q.Add(newFile("alice", 1, "a"))
	polled, err := q.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := polled.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := New(ModeFIFO, 100, path)
	stats := reopened.Stats()
	if stats.Total != 1 {
		t.Errorf("reopened Stats().Total = %d, want 1", stats.Total)
	}
	if stats.Finished != 1 {
		t.Errorf("reopened Stats().Finished = %d, want 1", stats.Finished)
	}
	if stats.LeftoverFromPrevSession != 0 {
		t.Errorf("reopened Stats().LeftoverFromPrevSession = %d, want 0 (nothing left in flight)", stats.LeftoverFromPrevSession)
	}
}

func TestStatsLeftoverFromPreviousSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	q := New(ModeFIFO, 100, path)
	q.Add(newFile("alice", 1, "a"))
	q.Add(newFile("bob", 1, "b"))
	// Neither item is polled/finished before "crash".

	reopened := New(ModeFIFO, 100, path)
	stats := reopened.Stats()
	if stats.LeftoverFromPrevSession != 2 {
		t.Errorf("LeftoverFromPrevSession = %d, want 2", stats.LeftoverFromPrevSession)
	}
}

func TestGetSizeSoftLimit(t *testing.T) {
	q := New(ModeFIFO, 42, "")
	if got := q.GetSizeSoftLimit(); got != 42 {
		t.Errorf("GetSizeSoftLimit() = %d, want 42", got)
	}
}
