// Package importer wires the queue (C3), the XML contract (C4), and the
// trust-graph engine (C2) together per §4.4: poll, parse, verify, apply,
// commit, close, re-trigger if more work remains. The identity metadata
// update and the trust-list import are committed as two separate engine
// transactions, so the two are not applied atomically.
// It is the queue's EventHandler and is itself driven by C8 scheduler
// jobs, grounded on the teacher's single-threaded-consumer loop idiom
// (core/node.go's runBlockGeneration, adapted from a ticker to an
// event-triggered drain loop).
package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hyphanet/wot-engine/internal/apperr"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/queue"
	"github.com/hyphanet/wot-engine/internal/scheduler"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/telemetry"
	"github.com/hyphanet/wot-engine/internal/trust"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

// Engine is the subset of *trust.Engine the importer depends on.
type Engine interface {
	ImportTrustList(truster string, edges []model.Trust, edition int64) error
	UpsertIdentity(ident *model.Identity) error
}

// Importer drains the identity file queue, one file at a time.
type Importer struct {
	queue   *queue.Queue
	store   *store.Store
	engine  Engine
	log     *slog.Logger
	metrics *telemetry.Metrics
	job     *scheduler.Job
}

// New builds an Importer and registers it as the queue's event handler.
func New(q *queue.Queue, s *store.Store, e Engine, log *slog.Logger, m *telemetry.Metrics) *Importer {
	imp := &Importer{queue: q, store: s, engine: e, log: log, metrics: m}
	imp.job = scheduler.New("importer", func(ctx context.Context) { imp.drain(ctx) }, log)
	q.RegisterEventHandler(triggerFunc(func() { imp.job.TriggerExecution(0) }))
	return imp
}

type triggerFunc func()

func (f triggerFunc) TriggerExecution() { f() }

// drain runs the §4.4 pseudo-loop until the queue is empty or ctx is done.
func (imp *Importer) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := imp.importOne(ctx); err != nil {
			imp.log.Error("import failed", "error", err)
		}
		if imp.queue.GetSize() == 0 {
			return
		}
	}
}

func (imp *Importer) importOne(ctx context.Context) (err error) {
	_, span := telemetry.StartSpan(ctx, "importer.importOne")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	pf, err := imp.queue.Poll()
	if err != nil {
		return fmt.Errorf("importer: poll: %w", err)
	}
	if pf == nil {
		return nil
	}
	defer pf.Close()

	data, err := io.ReadAll(pf.File.Stream)
	if err != nil {
		pf.MarkFailed()
		return fmt.Errorf("importer: read stream: %w", err)
	}

	parsed, err := xmlcodec.DecodeIdentity(data)
	if err != nil {
		pf.MarkFailed()
		return imp.markParsingFailed(pf.File.Key.IdentityID, err)
	}

	// "Verify identity ID == document's declared owner": the document was
	// fetched from pf.File.Key.IdentityID's own request address, so the
	// queue key itself is the verified owner; cryptographic signature
	// verification of the payload is the host network's concern (§1
	// non-goal).
	owner := pf.File.Key.IdentityID

	tx := imp.store.Begin(true)
	ident, ok := tx.GetIdentity(owner)
	if !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "importer: unknown identity %q", owner)
	}
	applyIdentityMetadata(ident, parsed, pf.File.Key.Edition)
	tx.Rollback() // the actual write happens via the engine below, which opens its own tx

	if err := imp.engine.UpsertIdentity(ident); err != nil {
		return fmt.Errorf("importer: upsert identity: %w", err)
	}

	if parsed.PublishesTrustList {
		edges := make([]model.Trust, len(parsed.TrustList))
		for i, e := range parsed.TrustList {
			e.Truster = owner
			edges[i] = e
		}
		if err := imp.engine.ImportTrustList(owner, edges, pf.File.Key.Edition); err != nil {
			return fmt.Errorf("importer: import trust list: %w", err)
		}
	}

	if imp.metrics != nil {
		imp.metrics.IdentitiesTotal.WithLabelValues("imported").Inc()
	}
	return nil
}

func (imp *Importer) markParsingFailed(identityID string, parseErr error) error {
	tx := imp.store.Begin(true)
	ident, ok := tx.GetIdentity(identityID)
	if !ok {
		tx.Rollback()
		return fmt.Errorf("importer: parse failed for unknown identity %q: %w", identityID, parseErr)
	}
	tx.Rollback()
	ident.CurrentEditionFetchState = model.FetchStateParsingFailed
	if err := imp.engine.UpsertIdentity(ident); err != nil {
		return err
	}
	if imp.metrics != nil {
		imp.metrics.IdentitiesTotal.WithLabelValues("parse_failed").Inc()
	}
	return fmt.Errorf("importer: parse failed: %w", parseErr)
}

// applyIdentityMetadata merges the parsed document's fields into ident
// following §3.1's immutability rules (nickname set once) and §4.4 step 4.
func applyIdentityMetadata(ident *model.Identity, parsed *xmlcodec.ParsedIdentity, edition int64) {
	if ident.Nickname == "" && parsed.Nickname != "" {
		ident.Nickname = parsed.Nickname
	}
	ident.DoesPublishTrustList = parsed.PublishesTrustList
	ident.Contexts = parsed.Contexts
	ident.Properties = parsed.Properties
	ident.CurrentEditionFetchState = model.FetchStateFetched
	ident.RequestAddress.Edition = edition
}
