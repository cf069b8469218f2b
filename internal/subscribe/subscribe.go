// Package subscribe implements the subscription manager (C6): per-client
// subscriptions to Identity/Trust/Score changes with exactly-once
// (ack-based), in-order, at-client-acknowledged delivery (§4.6). It is the
// trust engine's Observer, grounded structurally on the teacher's
// event-stream registry (core/registry.go's updateEventStreamRegistry /
// GetStreamEvents pair) generalized from a single append-only log into
// per-subscription delivery workers. Delivery transport is
// github.com/coder/websocket, the pattern MrWong99-glyphoxa uses for its
// OpenAI realtime transport (pkg/provider/s2s/openai/openai.go).
package subscribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyphanet/wot-engine/internal/apperr"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/scheduler"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/telemetry"
	"github.com/hyphanet/wot-engine/internal/trust"
)

// maxConsecutiveFailures is N from §4.6.
const maxConsecutiveFailures = 5

// Deliverer ships one notification to a client and blocks until the
// client acknowledges it (or the attempt times out). Implementations wrap
// a transport (websocket, in test code a channel).
type Deliverer interface {
	Deliver(ctx context.Context, n model.Notification) error
	// Close tears down the transport when the subscription terminates.
	Close() error
}

type subscription struct {
	id       string
	clientID string
	kind     model.SubscriptionKind
	deliverer Deliverer

	mu          sync.Mutex
	nextSeq     int64
	pending     []model.Notification
	failures    int
	terminated  bool
	job         *scheduler.Job
}

// Manager is the subscription manager (C6). It implements trust.Observer.
type Manager struct {
	store   *store.Store
	log     *slog.Logger
	metrics *telemetry.Metrics
	retryDelay time.Duration
	deliverTimeout time.Duration

	mu           sync.Mutex
	subs         map[string]*subscription
	byClientKind map[string]string // clientID+"|"+kind -> subscriptionID
}

// New builds a Manager.
func New(s *store.Store, log *slog.Logger, m *telemetry.Metrics, retryDelay, deliverTimeout time.Duration) *Manager {
	return &Manager{
		store:          s,
		log:            log,
		metrics:        m,
		retryDelay:     retryDelay,
		deliverTimeout: deliverTimeout,
		subs:           make(map[string]*subscription),
		byClientKind:   make(map[string]string),
	}
}

func clientKindKey(clientID string, kind model.SubscriptionKind) string {
	return clientID + "|" + string(kind)
}

// Subscribe implements §4.6's subscribe(clientID, kind). It synchronously
// ships a full snapshot to the client via deliverer before returning; if
// the client rejects the snapshot (deliverer.Deliver returns an error) the
// subscription is rolled back and not created.
func (m *Manager) Subscribe(clientID string, kind model.SubscriptionKind, deliverer Deliverer) (string, error) {
	m.mu.Lock()
	if existingID, ok := m.byClientKind[clientKindKey(clientID, kind)]; ok {
		m.mu.Unlock()
		return existingID, apperr.New(apperr.SubscriptionExists, "subscription %s already exists for client %q kind %q", existingID, clientID, kind)
	}
	m.mu.Unlock()

	snapshot := m.buildSnapshot(kind)
	syncNotification := model.Notification{SequenceNumber: 0, NewSnapshot: snapshot}
	ctx, cancel := context.WithTimeout(context.Background(), m.deliverTimeout)
	defer cancel()
	if err := deliverer.Deliver(ctx, syncNotification); err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "client rejected snapshot")
	}

	sub := &subscription{
		id:        uuid.NewString(),
		clientID:  clientID,
		kind:      kind,
		deliverer: deliverer,
		nextSeq:   1,
	}
	sub.job = scheduler.New("sub-"+sub.id, func(ctx context.Context) { m.deliverLoop(ctx, sub) }, m.log)

	m.mu.Lock()
	m.subs[sub.id] = sub
	m.byClientKind[clientKindKey(clientID, kind)] = sub.id
	m.mu.Unlock()

	return sub.id, nil
}

// Unsubscribe implements §4.6's unsubscribe.
func (m *Manager) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.UnknownSubscription, "unknown subscription %q", subscriptionID)
	}
	delete(m.subs, subscriptionID)
	delete(m.byClientKind, clientKindKey(sub.clientID, sub.kind))
	m.mu.Unlock()

	sub.job.Terminate()
	return sub.deliverer.Close()
}

func (m *Manager) buildSnapshot(kind model.SubscriptionKind) any {
	tx := m.store.Begin(false)
	defer tx.Rollback()
	switch kind {
	case model.SubscriptionIdentities:
		return tx.AllIdentities()
	case model.SubscriptionTrusts:
		var out []*model.Trust
		for _, ident := range tx.AllIdentities() {
			out = append(out, tx.TrustsByTruster(ident.ID)...)
		}
		return out
	case model.SubscriptionScores:
		var out []*model.Score
		for _, own := range tx.AllOwnIdentities() {
			out = append(out, tx.ScoresByTruster(own.ID)...)
		}
		return out
	}
	return nil
}

// OnCommit implements trust.Observer: every committed change is turned
// into one Notification per subscription whose kind matches, in commit
// order (§4.6, §5 "Ordering guarantees").
func (m *Manager) OnCommit(changes []trust.Change) {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, change := range changes {
		kind, ok := kindForChange(change.Kind)
		if !ok {
			continue
		}
		for _, sub := range subs {
			if sub.kind != kind {
				continue
			}
			sub.mu.Lock()
			n := model.Notification{
				SubscriptionID: sub.id,
				SequenceNumber: sub.nextSeq,
				OldSnapshot:    change.Old,
				NewSnapshot:    change.New,
			}
			sub.nextSeq++
			sub.pending = append(sub.pending, n)
			job := sub.job
			sub.mu.Unlock()
			job.TriggerExecution(0)
		}
	}
}

func kindForChange(k trust.ChangeKind) (model.SubscriptionKind, bool) {
	switch k {
	case trust.ChangeIdentity:
		return model.SubscriptionIdentities, true
	case trust.ChangeTrust:
		return model.SubscriptionTrusts, true
	case trust.ChangeScore:
		return model.SubscriptionScores, true
	}
	return "", false
}

// deliverLoop drains sub's pending queue strictly in order, synchronously
// waiting for each ack before moving to the next notification (§4.6).
func (m *Manager) deliverLoop(ctx context.Context, sub *subscription) {
	for {
		sub.mu.Lock()
		if sub.terminated || len(sub.pending) == 0 {
			sub.mu.Unlock()
			return
		}
		next := sub.pending[0]
		sub.mu.Unlock()

		dctx, cancel := context.WithTimeout(ctx, m.deliverTimeout)
		err := sub.deliverer.Deliver(dctx, next)
		cancel()

		if err != nil {
			sub.mu.Lock()
			sub.failures++
			terminate := sub.failures >= maxConsecutiveFailures
			sub.mu.Unlock()
			if m.metrics != nil {
				m.metrics.NotificationFails.WithLabelValues(string(sub.kind)).Inc()
			}
			if terminate {
				m.log.Warn("subscription terminated after repeated delivery failures", "subscription", sub.id)
				_ = m.Unsubscribe(sub.id)
				return
			}
			sub.job.TriggerExecution(m.retryDelay)
			return
		}

		sub.mu.Lock()
		sub.failures = 0
		sub.pending = sub.pending[1:]
		remaining := len(sub.pending)
		sub.mu.Unlock()
		if m.metrics != nil {
			m.metrics.NotificationsSent.WithLabelValues(string(sub.kind)).Inc()
		}
		if remaining == 0 {
			return
		}
	}
}
