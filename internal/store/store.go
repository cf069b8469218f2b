// Package store is the entity store (C1): a durable mapping of Identity,
// Trust, and Score records with secondary indices and transactional writes.
// It is grounded on the registry/persistence pair in the teacher
// (core/registry.go's mutex-guarded maps, core/persistence.go's JSON
// sidecar), adapted from the teacher's single global registry to an
// explicit transaction object per §9's "explicit transaction objects
// exposing get/put/delete instead of a Persistent base class."
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hyphanet/wot-engine/internal/model"
)

// ErrNoActiveTransaction is returned when a Tx method is called after
// Commit or Rollback.
var ErrNoActiveTransaction = errors.New("store: transaction already closed")

// ScoreSelector names the three buckets identities-by-score-selector groups
// trustees into (§4.1).
type ScoreSelector int

const (
	ScorePositive ScoreSelector = iota
	ScoreZero
	ScoreNegative
)

// Store holds every entity the engine knows about plus secondary indices.
// All access goes through a Tx; Store itself exposes only transaction
// bracketing and snapshot persistence.
type Store struct {
	mu sync.RWMutex

	identities     map[string]*model.Identity
	identityByAddr map[string]string // RequestAddress.URI -> identity ID
	ownIdentities  map[string]struct{}

	trusts        map[string]*model.Trust            // Trust.ID() -> Trust
	trustByTruster map[string]map[string]struct{}    // truster -> set of trustee
	trustByTrustee map[string]map[string]struct{}    // trustee -> set of truster

	scores         map[string]*model.Score         // Score.ID() -> Score
	scoreByTruster map[string]map[string]struct{} // OwnIdentity -> set of trustee

	puzzles map[string]*model.IntroductionPuzzle
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		identities:     make(map[string]*model.Identity),
		identityByAddr: make(map[string]string),
		ownIdentities:  make(map[string]struct{}),
		trusts:         make(map[string]*model.Trust),
		trustByTruster: make(map[string]map[string]struct{}),
		trustByTrustee: make(map[string]map[string]struct{}),
		scores:         make(map[string]*model.Score),
		scoreByTruster: make(map[string]map[string]struct{}),
		puzzles:        make(map[string]*model.IntroductionPuzzle),
	}
}

// Tx is a single active transaction against the store. Reads observe a
// consistent snapshot (the store's state as of Begin plus this tx's own
// pending writes); nothing is visible to other transactions until Commit.
type Tx struct {
	store    *Store
	writable bool
	done     bool

	// staged mutations, applied atomically on Commit.
	putIdentities    map[string]*model.Identity
	deleteIdentities map[string]struct{}
	putTrusts        map[string]*model.Trust
	deleteTrusts     map[string]struct{}
	putScores        map[string]*model.Score
	deleteScores     map[string]struct{}
	putPuzzles       map[string]*model.IntroductionPuzzle
	deletePuzzles    map[string]struct{}
}

// Begin starts a transaction. Only one writable transaction may be active
// at a time; read-only transactions may run concurrently with each other
// but not with a writer (§4.1: "iterators return a consistent snapshot of
// the single active transaction").
func (s *Store) Begin(writable bool) *Tx {
	if writable {
		s.mu.Lock()
	} else {
		s.mu.RLock()
	}
	return &Tx{
		store:            s,
		writable:         writable,
		putIdentities:    make(map[string]*model.Identity),
		deleteIdentities: make(map[string]struct{}),
		putTrusts:        make(map[string]*model.Trust),
		deleteTrusts:     make(map[string]struct{}),
		putScores:        make(map[string]*model.Score),
		deleteScores:     make(map[string]struct{}),
		putPuzzles:       make(map[string]*model.IntroductionPuzzle),
		deletePuzzles:    make(map[string]struct{}),
	}
}

func (tx *Tx) unlock() {
	if tx.writable {
		tx.store.mu.Unlock()
	} else {
		tx.store.mu.RUnlock()
	}
}

// Commit applies all staged writes atomically and releases the store lock.
// A read-only transaction has nothing to apply.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrNoActiveTransaction
	}
	tx.done = true
	defer tx.unlock()
	if !tx.writable {
		return nil
	}
	s := tx.store

	for id := range tx.deleteIdentities {
		tx.applyDeleteIdentity(s, id)
	}
	for id, ident := range tx.putIdentities {
		tx.applyPutIdentity(s, id, ident)
	}
	for id := range tx.deleteTrusts {
		tx.applyDeleteTrust(s, id)
	}
	for id, tr := range tx.putTrusts {
		tx.applyPutTrust(s, id, tr)
	}
	for id := range tx.deleteScores {
		tx.applyDeleteScore(s, id)
	}
	for id, sc := range tx.putScores {
		tx.applyPutScore(s, id, sc)
	}
	for id := range tx.deletePuzzles {
		delete(s.puzzles, id)
	}
	for id, p := range tx.putPuzzles {
		s.puzzles[id] = p
	}
	return nil
}

// Rollback discards all staged writes and releases the store lock.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrNoActiveTransaction
	}
	tx.done = true
	tx.unlock()
	return nil
}

func (tx *Tx) applyPutIdentity(s *Store, id string, ident *model.Identity) {
	if old, ok := s.identities[id]; ok {
		delete(s.identityByAddr, old.RequestAddress.URI)
		if old.IsOwn() {
			delete(s.ownIdentities, id)
		}
	}
	s.identities[id] = ident
	if ident.RequestAddress.URI != "" {
		s.identityByAddr[ident.RequestAddress.URI] = id
	}
	if ident.IsOwn() {
		s.ownIdentities[id] = struct{}{}
	}
}

func (tx *Tx) applyDeleteIdentity(s *Store, id string) {
	old, ok := s.identities[id]
	if !ok {
		return
	}
	delete(s.identities, id)
	delete(s.identityByAddr, old.RequestAddress.URI)
	delete(s.ownIdentities, id)

	// §4.7: "puzzles of a deleted identity are cascade-deleted."
	for pid, p := range s.puzzles {
		if p.InserterID == id {
			delete(s.puzzles, pid)
		}
	}
}

func (tx *Tx) applyPutTrust(s *Store, id string, tr *model.Trust) {
	s.trusts[id] = tr
	indexAdd(s.trustByTruster, tr.Truster, tr.Trustee)
	indexAdd(s.trustByTrustee, tr.Trustee, tr.Truster)
}

func (tx *Tx) applyDeleteTrust(s *Store, id string) {
	old, ok := s.trusts[id]
	if !ok {
		return
	}
	delete(s.trusts, id)
	indexRemove(s.trustByTruster, old.Truster, old.Trustee)
	indexRemove(s.trustByTrustee, old.Trustee, old.Truster)
}

func (tx *Tx) applyPutScore(s *Store, id string, sc *model.Score) {
	s.scores[id] = sc
	indexAdd(s.scoreByTruster, sc.Truster, sc.Trustee)
}

func (tx *Tx) applyDeleteScore(s *Store, id string) {
	old, ok := s.scores[id]
	if !ok {
		return
	}
	delete(s.scores, id)
	indexRemove(s.scoreByTruster, old.Truster, old.Trustee)
}

func indexAdd(idx map[string]map[string]struct{}, key, member string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[member] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, member string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// --- Identity operations ---

// GetIdentity returns a deep copy of the identity, honoring this tx's own
// pending writes.
func (tx *Tx) GetIdentity(id string) (*model.Identity, bool) {
	if _, deleted := tx.deleteIdentities[id]; deleted {
		return nil, false
	}
	if pending, ok := tx.putIdentities[id]; ok {
		return pending.Clone(), true
	}
	ident, ok := tx.store.identities[id]
	if !ok {
		return nil, false
	}
	return ident.Clone(), true
}

// PutIdentity stages an identity create/update.
func (tx *Tx) PutIdentity(ident *model.Identity) {
	clone := ident.Clone()
	tx.putIdentities[clone.ID] = clone
	delete(tx.deleteIdentities, clone.ID)
}

// DeleteIdentity stages an identity (and its puzzles) for deletion.
func (tx *Tx) DeleteIdentity(id string) {
	tx.deleteIdentities[id] = struct{}{}
	delete(tx.putIdentities, id)
	for _, p := range tx.ListPuzzlesByInserter(id) {
		tx.DeletePuzzle(p.ID)
	}
}

// IdentityByRequestAddress looks up an identity by its download URI.
func (tx *Tx) IdentityByRequestAddress(uri string) (*model.Identity, bool) {
	for id, ident := range tx.putIdentities {
		if ident.RequestAddress.URI == uri {
			if _, deleted := tx.deleteIdentities[id]; !deleted {
				return ident.Clone(), true
			}
		}
	}
	id, ok := tx.store.identityByAddr[uri]
	if !ok {
		return nil, false
	}
	return tx.GetIdentity(id)
}

// AllOwnIdentities returns every OwnIdentity currently known.
func (tx *Tx) AllOwnIdentities() []*model.Identity {
	seen := make(map[string]struct{})
	var out []*model.Identity
	for id := range tx.store.ownIdentities {
		seen[id] = struct{}{}
		if ident, ok := tx.GetIdentity(id); ok {
			out = append(out, ident)
		}
	}
	for id, ident := range tx.putIdentities {
		if _, ok := seen[id]; ok {
			continue
		}
		if ident.IsOwn() {
			out = append(out, ident.Clone())
		}
	}
	return out
}

// AllIdentities returns every known identity.
func (tx *Tx) AllIdentities() []*model.Identity {
	seen := make(map[string]struct{})
	var out []*model.Identity
	for id := range tx.store.identities {
		if _, deleted := tx.deleteIdentities[id]; deleted {
			continue
		}
		if ident, ok := tx.GetIdentity(id); ok {
			out = append(out, ident)
			seen[id] = struct{}{}
		}
	}
	for id, ident := range tx.putIdentities {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, ident.Clone())
	}
	return out
}

// --- Trust operations ---

// GetTrust returns the edge truster->trustee, if any.
func (tx *Tx) GetTrust(truster, trustee string) (*model.Trust, bool) {
	id := truster + "@" + trustee
	if _, deleted := tx.deleteTrusts[id]; deleted {
		return nil, false
	}
	if pending, ok := tx.putTrusts[id]; ok {
		cp := *pending
		return &cp, true
	}
	tr, ok := tx.store.trusts[id]
	if !ok {
		return nil, false
	}
	cp := *tr
	return &cp, true
}

// PutTrust stages a trust edge create/update.
func (tx *Tx) PutTrust(tr model.Trust) {
	cp := tr
	tx.putTrusts[cp.ID()] = &cp
	delete(tx.deleteTrusts, cp.ID())
}

// DeleteTrust stages a trust edge for deletion.
func (tx *Tx) DeleteTrust(truster, trustee string) {
	id := truster + "@" + trustee
	tx.deleteTrusts[id] = struct{}{}
	delete(tx.putTrusts, id)
}

// TrustsByTruster returns every edge truster->*.
func (tx *Tx) TrustsByTruster(truster string) []*model.Trust {
	return tx.collectTrusts(tx.store.trustByTruster[truster], true, truster)
}

// TrustsByTrustee returns every edge *->trustee.
func (tx *Tx) TrustsByTrustee(trustee string) []*model.Trust {
	return tx.collectTrusts(tx.store.trustByTrustee[trustee], false, trustee)
}

func (tx *Tx) collectTrusts(committed map[string]struct{}, byTruster bool, fixed string) []*model.Trust {
	seen := make(map[string]struct{})
	var out []*model.Trust
	for other := range committed {
		truster, trustee := other, fixed
		if byTruster {
			truster, trustee = fixed, other
		}
		if tr, ok := tx.GetTrust(truster, trustee); ok {
			out = append(out, tr)
			seen[tr.ID()] = struct{}{}
		}
	}
	for id, tr := range tx.putTrusts {
		if _, ok := seen[id]; ok {
			continue
		}
		if (byTruster && tr.Truster == fixed) || (!byTruster && tr.Trustee == fixed) {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out
}

// GivenTrustsOlderThanEdition returns every edge truster->* whose
// TrusterEdition is strictly less than edition (used to evict removed
// edges after a trust-list import, §4.2 step 2).
func (tx *Tx) GivenTrustsOlderThanEdition(truster string, edition int64) []*model.Trust {
	var out []*model.Trust
	for _, tr := range tx.TrustsByTruster(truster) {
		if tr.TrusterEdition < edition {
			out = append(out, tr)
		}
	}
	return out
}

// --- Score operations ---

// GetScore returns Score(truster, trustee), if any.
func (tx *Tx) GetScore(truster, trustee string) (*model.Score, bool) {
	id := truster + "@" + trustee
	if _, deleted := tx.deleteScores[id]; deleted {
		return nil, false
	}
	if pending, ok := tx.putScores[id]; ok {
		cp := *pending
		return &cp, true
	}
	sc, ok := tx.store.scores[id]
	if !ok {
		return nil, false
	}
	cp := *sc
	return &cp, true
}

// PutScore stages a score create/update.
func (tx *Tx) PutScore(sc model.Score) {
	cp := sc
	tx.putScores[cp.ID()] = &cp
	delete(tx.deleteScores, cp.ID())
}

// DeleteScore stages a score for deletion (used when a trustee becomes
// unreachable and rank goes to infinity).
func (tx *Tx) DeleteScore(truster, trustee string) {
	id := truster + "@" + trustee
	tx.deleteScores[id] = struct{}{}
	delete(tx.putScores, id)
}

// ScoresByTruster returns every Score(truster, *).
func (tx *Tx) ScoresByTruster(truster string) []*model.Score {
	seen := make(map[string]struct{})
	var out []*model.Score
	for trustee := range tx.store.scoreByTruster[truster] {
		if sc, ok := tx.GetScore(truster, trustee); ok {
			out = append(out, sc)
			seen[sc.ID()] = struct{}{}
		}
	}
	for id, sc := range tx.putScores {
		if _, ok := seen[id]; ok {
			continue
		}
		if sc.Truster == truster {
			cp := *sc
			out = append(out, &cp)
		}
	}
	return out
}

// IdentitiesByScoreSelector returns every trustee with Score(truster, *)
// whose value falls in the requested bucket (§4.1).
func (tx *Tx) IdentitiesByScoreSelector(truster string, sel ScoreSelector) []*model.Identity {
	var out []*model.Identity
	for _, sc := range tx.ScoresByTruster(truster) {
		switch sel {
		case ScorePositive:
			if sc.Value <= 0 {
				continue
			}
		case ScoreZero:
			if sc.Value != 0 {
				continue
			}
		case ScoreNegative:
			if sc.Value >= 0 {
				continue
			}
		}
		if ident, ok := tx.GetIdentity(sc.Trustee); ok {
			out = append(out, ident)
		}
	}
	return out
}

// --- Introduction puzzle operations ---

// GetPuzzle returns a puzzle by ID.
func (tx *Tx) GetPuzzle(id string) (*model.IntroductionPuzzle, bool) {
	if _, deleted := tx.deletePuzzles[id]; deleted {
		return nil, false
	}
	if pending, ok := tx.putPuzzles[id]; ok {
		cp := *pending
		return &cp, true
	}
	p, ok := tx.store.puzzles[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PutPuzzle stages a puzzle create/update.
func (tx *Tx) PutPuzzle(p model.IntroductionPuzzle) {
	cp := p
	tx.putPuzzles[cp.ID] = &cp
	delete(tx.deletePuzzles, cp.ID)
}

// DeletePuzzle stages a puzzle for deletion.
func (tx *Tx) DeletePuzzle(id string) {
	tx.deletePuzzles[id] = struct{}{}
	delete(tx.putPuzzles, id)
}

// ListPuzzlesByInserter returns every puzzle authored by the given
// identity, committed and pending.
func (tx *Tx) ListPuzzlesByInserter(inserterID string) []*model.IntroductionPuzzle {
	seen := make(map[string]struct{})
	var out []*model.IntroductionPuzzle
	for id, p := range tx.store.puzzles {
		if _, deleted := tx.deletePuzzles[id]; deleted {
			continue
		}
		if p.InserterID == inserterID {
			if pending, ok := tx.GetPuzzle(id); ok {
				out = append(out, pending)
				seen[id] = struct{}{}
			}
		}
	}
	for id, p := range tx.putPuzzles {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.InserterID == inserterID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// AllPuzzles returns every puzzle in the store, committed and pending.
func (tx *Tx) AllPuzzles() []*model.IntroductionPuzzle {
	seen := make(map[string]struct{})
	var out []*model.IntroductionPuzzle
	for id := range tx.store.puzzles {
		if _, deleted := tx.deletePuzzles[id]; deleted {
			continue
		}
		if p, ok := tx.GetPuzzle(id); ok {
			out = append(out, p)
			seen[id] = struct{}{}
		}
	}
	for id, p := range tx.putPuzzles {
		if _, ok := seen[id]; ok {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// snapshot is the JSON-serializable form persisted to disk, grounded on
// core/persistence.go's sidecar-file pattern.
type snapshot struct {
	Identities []*model.Identity           `json:"identities"`
	Trusts     []*model.Trust              `json:"trusts"`
	Scores     []*model.Score              `json:"scores"`
	Puzzles    []*model.IntroductionPuzzle `json:"puzzles"`
}

// SaveSnapshot writes the entire store to path as JSON.
func (s *Store) SaveSnapshot(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{}
	for _, ident := range s.identities {
		snap.Identities = append(snap.Identities, ident)
	}
	for _, tr := range s.trusts {
		snap.Trusts = append(snap.Trusts, tr)
	}
	for _, sc := range s.scores {
		snap.Scores = append(snap.Scores, sc)
	}
	for _, p := range s.puzzles {
		snap.Puzzles = append(snap.Puzzles, p)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot replaces the store's contents with the snapshot at path. A
// missing file is not an error (fresh start).
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: parse snapshot: %w", err)
	}

	tx := s.Begin(true)
	for _, ident := range snap.Identities {
		tx.PutIdentity(ident)
	}
	for _, tr := range snap.Trusts {
		tx.PutTrust(*tr)
	}
	for _, sc := range snap.Scores {
		tx.PutScore(*sc)
	}
	for _, p := range snap.Puzzles {
		tx.PutPuzzle(*p)
	}
	return tx.Commit()
}
