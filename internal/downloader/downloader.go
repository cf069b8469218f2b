// Package downloader implements the per-identity fetch loop and own-
// identity insertion job (C5). The content-addressed fetch/insert
// primitive itself is an external collaborator (§1 non-goal); this package
// only owns scheduling, retry policy, and interest tracking. Concurrent
// per-identity fetch loops fan out with golang.org/x/sync/errgroup, the
// pattern MrWong99-glyphoxa uses in internal/hotctx/assembler.go to fetch
// several NPC data sources concurrently.
package downloader

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/queue"
	"github.com/hyphanet/wot-engine/internal/scheduler"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

// Fetcher is the external collaborator that knows how to retrieve a
// document from the content-addressed network. Implementations retry
// transient failures internally per §4.5 ("fetch failures are retried
// indefinitely at network layer"); Fetch itself returns once, successfully
// or with a permanent failure.
type Fetcher interface {
	// Fetch blocks until edition is available (or ctx is cancelled),
	// returning the raw document bytes, or a permanent error if the host
	// network reports the content will never be fetchable (bad signature,
	// corrupt splitfile, etc).
	Fetch(ctx context.Context, requestURI string, edition int64) ([]byte, error)
}

// Inserter is the external collaborator that publishes bytes at a request
// address/edition. Insert is retried by this package with exponential
// backoff (§4.5); Insert itself is a single attempt.
type Inserter interface {
	Insert(ctx context.Context, insertURI string, edition int64, data []byte) error
}

// Downloader maintains one outstanding fetch per identity of interest and
// runs the coalesced own-identity insertion job.
type Downloader struct {
	store   *store.Store
	queue   *queue.Queue
	fetcher Fetcher
	inserter Inserter
	log     *slog.Logger

	retryBackoff   time.Duration
	insertMaxBackoff time.Duration
	insertDebounce time.Duration

	mu      sync.Mutex
	active  map[string]context.CancelFunc // identityID -> cancel of its fetch loop
	insertJobs map[string]*scheduler.Job   // own identity ID -> coalesced insert job
}

// New builds a Downloader.
func New(s *store.Store, q *queue.Queue, f Fetcher, ins Inserter, retryBackoff, insertMaxBackoff, insertDebounce time.Duration, log *slog.Logger) *Downloader {
	return &Downloader{
		store:            s,
		queue:            q,
		fetcher:          f,
		inserter:         ins,
		log:              log,
		retryBackoff:     retryBackoff,
		insertMaxBackoff: insertMaxBackoff,
		insertDebounce:   insertDebounce,
		active:           make(map[string]context.CancelFunc),
		insertJobs:       make(map[string]*scheduler.Job),
	}
}

// interestedIdentities returns every identity reachable with capacity > 0
// or with an explicit positive own trust edge, for any OwnIdentity (§4.5).
func (d *Downloader) interestedIdentities() []*model.Identity {
	tx := d.store.Begin(false)
	defer tx.Rollback()

	seen := map[string]*model.Identity{}
	for _, own := range tx.AllOwnIdentities() {
		for _, sc := range tx.ScoresByTruster(own.ID) {
			if sc.Capacity <= 0 {
				continue
			}
			if ident, ok := tx.GetIdentity(sc.Trustee); ok {
				seen[ident.ID] = ident
			}
		}
		for _, tr := range tx.TrustsByTruster(own.ID) {
			if tr.Value <= 0 {
				continue
			}
			if ident, ok := tx.GetIdentity(tr.Trustee); ok {
				seen[ident.ID] = ident
			}
		}
	}
	out := make([]*model.Identity, 0, len(seen))
	for _, ident := range seen {
		out = append(out, ident)
	}
	return out
}

// Reconcile starts a fetch loop for every newly-interesting identity and
// stops loops for identities no longer of interest. It fans the initial
// per-identity fetch kickoff out concurrently via errgroup, mirroring the
// concurrent-fetch style of MrWong99-glyphoxa's assembler.
func (d *Downloader) Reconcile(ctx context.Context) error {
	want := d.interestedIdentities()
	wantIDs := make(map[string]struct{}, len(want))

	var g errgroup.Group
	for _, ident := range want {
		ident := ident
		wantIDs[ident.ID] = struct{}{}
		d.mu.Lock()
		_, already := d.active[ident.ID]
		d.mu.Unlock()
		if already {
			continue
		}
		g.Go(func() error {
			d.startFetchLoop(ctx, ident)
			return nil
		})
	}

	d.mu.Lock()
	for id, cancel := range d.active {
		if _, ok := wantIDs[id]; !ok {
			cancel()
			delete(d.active, id)
		}
	}
	d.mu.Unlock()

	return g.Wait()
}

func (d *Downloader) startFetchLoop(ctx context.Context, ident *model.Identity) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.active[ident.ID] = cancel
	d.mu.Unlock()
	go d.fetchLoop(loopCtx, ident)
}

// fetchLoop fetches the next expected edition for ident. Every fetch error
// is logged and retried on the same edition after retryBackoff,
// indefinitely; errors are not classified as permanent, and a failing
// edition is never marked ParsingFailed or skipped.
func (d *Downloader) fetchLoop(ctx context.Context, ident *model.Identity) {
	edition := ident.RequestAddress.Edition
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := d.fetcher.Fetch(ctx, ident.RequestAddress.URI, edition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("fetch failed, retrying", "identity", ident.ID, "edition", edition, "error", err)
			select {
			case <-time.After(d.retryBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		d.queue.Add(&queue.File{
			Key:    queue.Key{IdentityID: ident.ID, Edition: edition},
			Stream: newByteStream(data),
		})
		edition++
	}
}

// ScheduleOwnIdentityInsert arranges a coalesced, debounced re-publish of
// ownID's identity document (§4.5: any mutation to an OwnIdentity's
// outgoing trust list or metadata triggers this with a debounce).
func (d *Downloader) ScheduleOwnIdentityInsert(ownID string) {
	d.mu.Lock()
	job, ok := d.insertJobs[ownID]
	if !ok {
		job = scheduler.New("insert-"+ownID, func(ctx context.Context) { d.publishOwnIdentity(ctx, ownID) }, d.log)
		d.insertJobs[ownID] = job
	}
	d.mu.Unlock()
	job.TriggerExecution(d.insertDebounce)
}

func (d *Downloader) publishOwnIdentity(ctx context.Context, ownID string) {
	backoff := 1 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		tx := d.store.Begin(false)
		ident, ok := tx.GetIdentity(ownID)
		edges := tx.TrustsByTruster(ownID)
		tx.Rollback()
		if !ok || !ident.IsOwn() {
			return
		}

		edition := ident.RequestAddress.Edition + 1
		data, encErr := encodeForInsert(ident, edges)
		if encErr == nil {
			if err := d.inserter.Insert(ctx, ident.Own.InsertAddress, edition, data); err == nil {
				d.commitInsertSuccess(ownID, edition)
				return
			} else if ctx.Err() != nil {
				return
			} else {
				d.log.Warn("insert failed, retrying", "identity", ownID, "error", err)
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > d.insertMaxBackoff {
			backoff = d.insertMaxBackoff
		}
	}
}

func (d *Downloader) commitInsertSuccess(ownID string, edition int64) {
	tx := d.store.Begin(true)
	ident, ok := tx.GetIdentity(ownID)
	if !ok {
		tx.Rollback()
		return
	}
	ident.RequestAddress.Edition = edition
	ident.Own.LastInsertDate = time.Now().UTC()
	tx.PutIdentity(ident)
	tx.Commit()
}

type byteStream struct {
	*bytes.Reader
}

func (byteStream) Close() error { return nil }

func newByteStream(data []byte) io.ReadCloser {
	return byteStream{bytes.NewReader(data)}
}

// encodeForInsert renders ident's publishable document, delegating to
// xmlcodec. Kept as a package-level var so tests can stub it without a
// real XML round-trip.
var encodeForInsert = func(ident *model.Identity, edges []*model.Trust) ([]byte, error) {
	flat := make([]model.Trust, len(edges))
	for i, e := range edges {
		flat[i] = *e
	}
	return xmlcodec.EncodeIdentity(ident, flat)
}
