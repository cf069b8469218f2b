// Package trust implements the trust-graph engine (C2), the algorithmic
// core of the system: setTrust/removeTrust, incremental score updates, full
// recomputation, and trust-list import. It is structurally grounded on
// core/registry.go's ComputeRelationalTrust — a mutex-guarded BFS over a
// trust registry with resource limits and a dedicated "graph too large"
// error — generalized from that function's multiplicative-decay single-
// target lookup into this specification's additive, capacity-weighted,
// all-targets incremental algorithm (§4.2).
package trust

import (
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode"

	"github.com/hyphanet/wot-engine/internal/apperr"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/telemetry"
)

// ChangeKind names the entity kind a Change record describes.
type ChangeKind string

const (
	ChangeIdentity ChangeKind = "Identity"
	ChangeTrust    ChangeKind = "Trust"
	ChangeScore    ChangeKind = "Score"
)

// Change is a single entity mutation produced by a committed transaction.
// New == nil means the entity was deleted.
type Change struct {
	Kind ChangeKind
	ID   string
	Old  any
	New  any
}

// Observer receives the set of changes a transaction committed, in commit
// order, still under the engine's write lock — it must not block (§5: "C1-
// C4, C6 notification generation... must complete in bounded compute
// time"). The subscription manager (C6) is the production Observer.
type Observer interface {
	OnCommit(changes []Change)
}

// Engine owns the single engine-wide write lock referenced throughout §5.
// Store's own mutex remains independently responsible for read/write
// transaction isolation; Engine's lock serializes the higher-level
// mutating operations (setTrust, removeTrust, import, recompute) that may
// span several store transactions' worth of bookkeeping in future
// extensions, matching the teacher's documented lock-ordering discipline
// (core/node.go's "Lock ordering to prevent deadlocks" comment) collapsed
// to this component's slice of it.
type Engine struct {
	mu       sync.Mutex
	store    *store.Store
	log      *slog.Logger
	metrics  *telemetry.Metrics
	observer Observer

	maxScopeSize int // resource guard, grounded on MaxTrustVisitedSize/MaxTrustQueueSize
}

// New builds an Engine over store s.
func New(s *store.Store, log *slog.Logger, m *telemetry.Metrics) *Engine {
	return &Engine{
		store:        s,
		log:          log,
		metrics:      m,
		maxScopeSize: 200000,
	}
}

// SetObserver installs the change observer (typically the subscription
// manager). Not safe to call concurrently with mutating operations.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// RegisterOwnIdentity stores a newly created OwnIdentity and establishes
// its self-Score, (100, 0, 100) per §3.3 and scenario 1 of §8.
func (e *Engine) RegisterOwnIdentity(ident *model.Identity) error {
	if !ident.IsOwn() {
		return apperr.New(apperr.InvalidParameter, "RegisterOwnIdentity requires an OwnIdentity")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)
	if _, exists := tx.GetIdentity(ident.ID); exists {
		tx.Rollback()
		return apperr.New(apperr.Duplicate, "identity %q already exists", ident.ID)
	}
	tx.PutIdentity(ident)
	rec := newRecorder()
	rec.identity(nil, ident)

	self := model.Score{Truster: ident.ID, Trustee: ident.ID, Value: 100, Rank: 0, Capacity: 100}
	tx.PutScore(self)
	rec.score(nil, &self)

	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(rec)
	return nil
}

// RegisterIdentity stores a newly observed (non-own) Identity. It carries
// no score of its own until some Trust edge makes it reachable.
func (e *Engine) RegisterIdentity(ident *model.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)
	if _, exists := tx.GetIdentity(ident.ID); exists {
		tx.Rollback()
		return apperr.New(apperr.Duplicate, "identity %q already exists", ident.ID)
	}
	tx.PutIdentity(ident)
	rec := newRecorder()
	rec.identity(nil, ident)
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(rec)
	return nil
}

// UpsertIdentity stores an identity create/update (used by the importer
// for metadata changes, §4.4 step 4) without touching scores.
func (e *Engine) UpsertIdentity(ident *model.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)
	old, existed := tx.GetIdentity(ident.ID)
	tx.PutIdentity(ident)
	rec := newRecorder()
	if existed {
		rec.identity(old, ident)
	} else {
		rec.identity(nil, ident)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(rec)
	return nil
}

// validateComment enforces §3.2: UTF-8, <= 256 bytes, no line breaks, no
// control characters, no bidi-format characters.
func validateComment(comment string) error {
	if len(comment) > model.MaxCommentBytes {
		return apperr.New(apperr.InvalidParameter, "comment exceeds %d bytes", model.MaxCommentBytes)
	}
	for _, r := range comment {
		if r == '\n' || r == '\r' {
			return apperr.New(apperr.InvalidParameter, "comment must not contain line breaks")
		}
		if unicode.IsControl(r) {
			return apperr.New(apperr.InvalidParameter, "comment must not contain control characters")
		}
		if isBidiFormatRune(r) {
			return apperr.New(apperr.InvalidParameter, "comment must not contain bidi-format characters")
		}
	}
	return nil
}

// isBidiFormatRune reports whether r is one of the Unicode bidirectional
// control formatting characters (LRM/RLM/LRE/RLE/PDF/LRO/RLO/LRI/RLI/FSI/PDI
// and the legacy ALM).
func isBidiFormatRune(r rune) bool {
	switch r {
	case 0x200E, 0x200F, 0x202A, 0x202B, 0x202C, 0x202D, 0x202E,
		0x2066, 0x2067, 0x2068, 0x2069, 0x061C:
		return true
	}
	return false
}

func validateTrustValue(value int) error {
	if value < model.MinTrustValue || value > model.MaxTrustValue {
		return apperr.New(apperr.InvalidParameter, "trust value %d out of range [%d,%d]", value, model.MinTrustValue, model.MaxTrustValue)
	}
	return nil
}

// SetTrust implements §4.2's setTrust: validate, read-modify-write the
// Trust entity, and run an incremental score update over every OwnIdentity.
// The engine itself does not require truster to be a local OwnIdentity —
// trust edges observed from a remote identity's trust list arrive the same
// way an own identity's local opinion does, via this same read-modify-
// write; restricting direct FCP callers to their own identities is an
// httpapi/fcp-layer policy, not a store invariant.
func (e *Engine) SetTrust(truster, trustee, comment string, value int) error {
	if truster == trustee {
		return apperr.New(apperr.InvalidParameter, "truster and trustee must differ")
	}
	if err := validateTrustValue(value); err != nil {
		return err
	}
	if err := validateComment(comment); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)

	trusterIdent, ok := tx.GetIdentity(truster)
	if !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "unknown truster %q", truster)
	}
	if _, ok := tx.GetIdentity(trustee); !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "unknown trustee %q", trustee)
	}

	old, existed := tx.GetTrust(truster, trustee)
	unchanged := existed && old.Value == value && old.Comment == comment
	if unchanged {
		tx.Rollback()
		return nil
	}

	now := time.Now().UTC()
	newTrust := model.Trust{
		Truster:        truster,
		Trustee:        trustee,
		Value:          value,
		Comment:        comment,
		TrusterEdition: trusterIdent.RequestAddress.Edition,
		LastChangeDate: now,
	}
	tx.PutTrust(newTrust)

	rec := newRecorder()
	if existed {
		rec.trust(old, &newTrust)
	} else {
		rec.trust(nil, &newTrust)
	}

	if err := e.recomputeAllOwners(tx, rec, trustee); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.TrustEdgesTotal.WithLabelValues("set").Inc()
	}
	e.notify(rec)
	return nil
}

// RemoveTrust implements §4.2's removeTrust.
func (e *Engine) RemoveTrust(truster, trustee string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)

	old, ok := tx.GetTrust(truster, trustee)
	if !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "no trust edge %s@%s", truster, trustee)
	}
	tx.DeleteTrust(truster, trustee)

	rec := newRecorder()
	rec.trust(old, nil)

	if err := e.recomputeAllOwners(tx, rec, trustee); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.TrustEdgesTotal.WithLabelValues("remove").Inc()
	}
	e.notify(rec)
	return nil
}

// ImportTrustList implements §4.4's trust-list import: upsert every
// advertised edge at edition e, then evict everything older, then
// recompute. edges is the full set T is currently advertising.
func (e *Engine) ImportTrustList(truster string, edges []model.Trust, edition int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)

	if _, ok := tx.GetIdentity(truster); !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "unknown truster %q", truster)
	}

	rec := newRecorder()
	now := time.Now().UTC()
	var mutatedTrustees []string

	for _, edge := range edges {
		if edge.Truster != truster {
			continue
		}
		old, existed := tx.GetTrust(truster, edge.Trustee)
		nt := edge
		nt.TrusterEdition = edition
		if existed && old.Value == edge.Value && old.Comment == edge.Comment {
			nt.LastChangeDate = old.LastChangeDate
		} else {
			nt.LastChangeDate = now
			mutatedTrustees = append(mutatedTrustees, edge.Trustee)
		}
		tx.PutTrust(nt)
		if existed {
			rec.trust(old, &nt)
		} else {
			rec.trust(nil, &nt)
		}
	}

	stale := tx.GivenTrustsOlderThanEdition(truster, edition)
	for _, tr := range stale {
		old := tr
		tx.DeleteTrust(tr.Truster, tr.Trustee)
		rec.trust(old, nil)
		mutatedTrustees = append(mutatedTrustees, tr.Trustee)
	}

	// Heuristic (§4.2 step 3): many simultaneous changes trigger one full
	// recompute per owner rather than one incremental pass per mutation.
	fullRecompute := len(mutatedTrustees) > 25

	for _, own := range tx.AllOwnIdentities() {
		var err error
		if fullRecompute {
			err = e.recomputeAll(tx, rec, own.ID)
		} else {
			seeds := dedupeStrings(mutatedTrustees)
			err = e.recomputeIncremental(tx, rec, own.ID, seeds)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(rec)
	return nil
}

// RecomputeAllScores implements §4.2's recomputeAllScores(O), invoked on
// startup integrity check, after an import whose trusterEdition bookkeeping
// suggests silent removals, and as a repair tool.
func (e *Engine) RecomputeAllScores(owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.store.Begin(true)
	if _, ok := tx.GetIdentity(owner); !ok {
		tx.Rollback()
		return apperr.New(apperr.UnknownIdentity, "unknown owner %q", owner)
	}
	rec := newRecorder()
	if err := e.recomputeAll(tx, rec, owner); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(rec)
	return nil
}

func (e *Engine) recomputeAllOwners(tx *store.Tx, rec *recorder, seed string) error {
	for _, own := range tx.AllOwnIdentities() {
		if err := e.recomputeIncremental(tx, rec, own.ID, []string{seed}); err != nil {
			return err
		}
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// recomputeIncremental implements §4.2's incremental score update: the BFS
// closure of `seeds` following outgoing edges gated by the truster's
// *current* (pre-update) capacity, then a bounded fixed-point relaxation
// restricted to that closure, leaving every other identity's Score
// untouched.
func (e *Engine) recomputeIncremental(tx *store.Tx, rec *recorder, owner string, seeds []string) error {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveScoreRecompute(time.Since(start))
		}
	}()

	// capacityNow reports the pre-update capacity of id as seen by owner:
	// owner itself is always capacity 100 (rank 0); every other identity
	// uses its last-committed stored Score.
	capacityNow := func(id string) int {
		if id == owner {
			return 100
		}
		if sc, ok := tx.GetScore(owner, id); ok {
			return sc.Capacity
		}
		return 0
	}

	scope := map[string]struct{}{}
	queue := append([]string{}, seeds...)
	// The owner's own outgoing edges always seed the closure too: a fresh
	// direct own trust edge can reach a previously-unscored trustee that
	// the capacity-gated walk below would never discover on its own.
	for _, tr := range tx.TrustsByTruster(owner) {
		queue = append(queue, tr.Trustee)
	}

	for len(queue) > 0 {
		if len(scope) > e.maxScopeSize {
			return apperr.New(apperr.TrustGraphTooLarge, "incremental recompute closure exceeded %d identities", e.maxScopeSize)
		}
		id := queue[0]
		queue = queue[1:]
		if id == owner {
			continue
		}
		if _, ok := scope[id]; ok {
			continue
		}
		scope[id] = struct{}{}
		if capacityNow(id) <= 0 {
			continue
		}
		for _, tr := range tx.TrustsByTruster(id) {
			queue = append(queue, tr.Trustee)
		}
	}

	return e.relax(tx, rec, owner, scope)
}

// recomputeAll implements §4.2's recomputeAllScores: scope is every known
// identity, start from scratch.
func (e *Engine) recomputeAll(tx *store.Tx, rec *recorder, owner string) error {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveScoreRecompute(time.Since(start))
		}
	}()

	scope := map[string]struct{}{}
	for _, ident := range tx.AllIdentities() {
		if ident.ID != owner {
			scope[ident.ID] = struct{}{}
		}
	}
	if len(scope) > e.maxScopeSize {
		return apperr.New(apperr.TrustGraphTooLarge, "full recompute exceeded %d identities", e.maxScopeSize)
	}
	return e.relax(tx, rec, owner, scope)
}

type scoreState struct {
	rank     int
	value    int
	capacity int
}

// relax runs bounded fixed-point relaxation (Bellman-Ford style) over
// scope ∪ {owner}. Rank strictly determines how many passes are needed in
// the worst case (like Bellman-Ford's |V|-1 bound); because capacity
// collapses to 0 at rank >= len(CapacityTable), propagation beyond that
// depth contributes nothing further, so convergence in practice is fast
// even though the bound used here is the conservative |scope|+1. This
// fixed-point formulation is used instead of a literal single topological
// pass because the dependency graph for `value` is not acyclic (mutual
// trust edges are common); see DESIGN.md.
func (e *Engine) relax(tx *store.Tx, rec *recorder, owner string, scope map[string]struct{}) error {
	ids := make([]string, 0, len(scope))
	for id := range scope {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration order, not load-bearing for correctness

	state := make(map[string]scoreState, len(scope)+1)
	state[owner] = scoreState{rank: 0, value: 100, capacity: 100}

	lookup := func(j string) (scoreState, bool) {
		if st, ok := state[j]; ok {
			return st, true
		}
		if sc, ok := tx.GetScore(owner, j); ok {
			return scoreState{rank: sc.Rank, value: sc.Value, capacity: sc.Capacity}, true
		}
		return scoreState{}, false
	}

	maxPasses := len(ids) + 1
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, id := range ids {
			if _, ok := tx.GetIdentity(id); !ok {
				continue
			}

			newRank := model.RankUnreachable
			sum := 0
			hasContribution := false
			for _, tr := range tx.TrustsByTrustee(id) {
				trusterIdent, ok := tx.GetIdentity(tr.Truster)
				if !ok || tr.TrusterEdition != trusterIdent.RequestAddress.Edition {
					continue
				}
				jState, ok := lookup(tr.Truster)
				if !ok || jState.capacity <= 0 {
					continue
				}
				if newRank == model.RankUnreachable || jState.rank+1 < newRank {
					newRank = jState.rank + 1
				}
				sum += scaleRound(tr.Value, jState.capacity)
				hasContribution = true
			}

			newValue := sum
			if direct, ok := tx.GetTrust(owner, id); ok {
				newValue = direct.Value
			} else if !hasContribution {
				newValue = 0
			}

			newCapacity := model.CapacityForRank(newRank)
			if newValue < 0 {
				newCapacity = 0
			}

			prev, existed := state[id]
			next := scoreState{rank: newRank, value: newValue, capacity: newCapacity}
			if !existed || prev != next {
				state[id] = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	for id, st := range state {
		if id == owner {
			continue
		}
		old, existed := tx.GetScore(owner, id)
		if st.rank == model.RankUnreachable {
			if existed {
				tx.DeleteScore(owner, id)
				rec.score(old, nil)
			}
			continue
		}
		sc := model.Score{Truster: owner, Trustee: id, Value: st.value, Rank: st.rank, Capacity: st.capacity}
		if existed && old.Value == sc.Value && old.Rank == sc.Rank && old.Capacity == sc.Capacity {
			continue
		}
		tx.PutScore(sc)
		if existed {
			rec.score(old, &sc)
		} else {
			rec.score(nil, &sc)
		}
	}

	ownScore := model.Score{Truster: owner, Trustee: owner, Value: 100, Rank: 0, Capacity: 100}
	if old, existed := tx.GetScore(owner, owner); !existed || old.Value != 100 || old.Rank != 0 || old.Capacity != 100 {
		tx.PutScore(ownScore)
		if existed {
			rec.score(old, &ownScore)
		} else {
			rec.score(nil, &ownScore)
		}
	}
	return nil
}

// scaleRound implements round(value * capacity / 100), rounding half away
// from zero.
func scaleRound(value, capacity int) int {
	num := value * capacity
	if num >= 0 {
		return (num + 50) / 100
	}
	return -((-num + 50) / 100)
}

func (e *Engine) notify(rec *recorder) {
	if e.observer == nil || len(rec.changes) == 0 {
		return
	}
	e.observer.OnCommit(rec.changes)
}

// recorder accumulates Change records across a single logical operation
// (which may span several entity mutations) for delivery to the Observer
// after commit.
type recorder struct {
	changes []Change
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) trust(old, next *model.Trust) {
	id := ""
	if old != nil {
		id = old.ID()
	} else if next != nil {
		id = next.ID()
	}
	r.changes = append(r.changes, Change{Kind: ChangeTrust, ID: id, Old: old, New: next})
}

func (r *recorder) score(old, next *model.Score) {
	id := ""
	if old != nil {
		id = old.ID()
	} else if next != nil {
		id = next.ID()
	}
	r.changes = append(r.changes, Change{Kind: ChangeScore, ID: id, Old: old, New: next})
}

func (r *recorder) identity(old, next *model.Identity) {
	id := ""
	if old != nil {
		id = old.ID
	} else if next != nil {
		id = next.ID
	}
	r.changes = append(r.changes, Change{Kind: ChangeIdentity, ID: id, Old: old, New: next})
}
