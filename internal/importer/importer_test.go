package importer

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/queue"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/trust"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntilEmpty(t *testing.T, q *queue.Queue) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.GetSize() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func newIdentityDoc(t *testing.T, nickname string, publishesTrustList bool, edges []model.Trust) []byte {
	t.Helper()
	ident := &model.Identity{Nickname: nickname, DoesPublishTrustList: publishesTrustList}
	data, err := xmlcodec.EncodeIdentity(ident, edges)
	if err != nil {
		t.Fatalf("EncodeIdentity: %v", err)
	}
	return data
}

func TestImporterUpsertsIdentityOnEnqueue(t *testing.T) {
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "A", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	if err := engine.RegisterIdentity(&model.Identity{ID: "B"}); err != nil {
		t.Fatalf("RegisterIdentity: %v", err)
	}

	q := queue.New(queue.ModeDedup, 100, "")
	New(q, s, engine, testLogger(), nil)

	doc := newIdentityDoc(t, "Bob", false, nil)
	q.Add(&queue.File{Key: queue.Key{IdentityID: "B", Edition: 1}, Stream: io.NopCloser(strings.NewReader(string(doc)))})

	waitUntilEmpty(t, q)

	tx := s.Begin(false)
	defer tx.Rollback()
	got, ok := tx.GetIdentity("B")
	if !ok {
		t.Fatal("identity B not found after import")
	}
	if got.Nickname != "Bob" {
		t.Errorf("Nickname = %q, want Bob", got.Nickname)
	}
	if got.CurrentEditionFetchState != model.FetchStateFetched {
		t.Errorf("CurrentEditionFetchState = %v, want FetchStateFetched", got.CurrentEditionFetchState)
	}
}

func TestImporterAppliesTrustListWhenPublished(t *testing.T) {
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "A", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	if err := engine.RegisterIdentity(&model.Identity{ID: "B"}); err != nil {
		t.Fatalf("RegisterIdentity: %v", err)
	}
	if err := engine.SetTrust("A", "B", "seed", 100); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	if err := engine.RegisterIdentity(&model.Identity{ID: "C"}); err != nil {
		t.Fatalf("RegisterIdentity: %v", err)
	}

	q := queue.New(queue.ModeDedup, 100, "")
	New(q, s, engine, testLogger(), nil)

	doc := newIdentityDoc(t, "Bob", true, []model.Trust{{Trustee: "C", Value: 50, Comment: "friend"}})
	q.Add(&queue.File{Key: queue.Key{IdentityID: "B", Edition: 1}, Stream: io.NopCloser(strings.NewReader(string(doc)))})

	waitUntilEmpty(t, q)

	tx := s.Begin(false)
	defer tx.Rollback()
	tr, ok := tx.GetTrust("B", "C")
	if !ok {
		t.Fatal("Trust(B,C) missing after importing a published trust list")
	}
	if tr.Value != 50 || tr.Comment != "friend" {
		t.Errorf("Trust(B,C) = (%d,%q), want (50, friend)", tr.Value, tr.Comment)
	}
}

func TestImporterMarksParsingFailedOnMalformedDocument(t *testing.T) {
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "A", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	if err := engine.RegisterIdentity(&model.Identity{ID: "B"}); err != nil {
		t.Fatalf("RegisterIdentity: %v", err)
	}

	q := queue.New(queue.ModeDedup, 100, "")
	New(q, s, engine, testLogger(), nil)

	q.Add(&queue.File{Key: queue.Key{IdentityID: "B", Edition: 1}, Stream: io.NopCloser(strings.NewReader("not xml"))})

	waitUntilEmpty(t, q)

	tx := s.Begin(false)
	defer tx.Rollback()
	got, ok := tx.GetIdentity("B")
	if !ok {
		t.Fatal("identity B should still exist after a parse failure")
	}
	if got.CurrentEditionFetchState != model.FetchStateParsingFailed {
		t.Errorf("CurrentEditionFetchState = %v, want FetchStateParsingFailed", got.CurrentEditionFetchState)
	}
}

func TestImporterDrainsMultipleQueuedFiles(t *testing.T) {
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "A", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	for _, id := range []string{"B", "C"} {
		if err := engine.RegisterIdentity(&model.Identity{ID: id}); err != nil {
			t.Fatalf("RegisterIdentity(%s): %v", id, err)
		}
	}

	q := queue.New(queue.ModeFIFO, 100, "")
	New(q, s, engine, testLogger(), nil)

	q.Add(&queue.File{Key: queue.Key{IdentityID: "B", Edition: 1}, Stream: io.NopCloser(strings.NewReader(string(newIdentityDoc(t, "Bob", false, nil))))})
	q.Add(&queue.File{Key: queue.Key{IdentityID: "C", Edition: 1}, Stream: io.NopCloser(strings.NewReader(string(newIdentityDoc(t, "Carol", false, nil))))})

	waitUntilEmpty(t, q)

	tx := s.Begin(false)
	defer tx.Rollback()
	b, _ := tx.GetIdentity("B")
	c, _ := tx.GetIdentity("C")
	if b.Nickname != "Bob" || c.Nickname != "Carol" {
		t.Errorf("got nicknames %q, %q; want Bob, Carol", b.Nickname, c.Nickname)
	}
}
