// Package introduction implements the introduction-puzzle subsystem (C7):
// server-side puzzle generation and publication, client-side puzzle
// fetching/solving, and the resulting trust edge earned by a correctly
// solved puzzle (§3.4). CAPTCHA rendering itself is an external
// collaborator, the same non-goal shape as C5's Fetcher/Inserter — this
// package owns only the lifecycle and bookkeeping around it, grounded on
// the downloader's (C5) fetch-loop-plus-backoff idiom.
package introduction

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyphanet/wot-engine/internal/apperr"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/telemetry"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

// introductionTrustValue and introductionTrustComment are the trust edge a
// successfully solved puzzle earns the solver from the puzzle's inserter
// (§3.4, §8 scenario 7): zero-value but still sufficient to make the new
// identity reachable with positive capacity, since the value formula treats
// an own edge as authoritative regardless of its sign.
const (
	introductionTrustValue   = 0
	introductionTrustComment = "Trust received by solving a captcha."
)

// PuzzleRenderer is the external collaborator that produces a CAPTCHA's
// challenge bytes and its solution. Implementations are free to use
// whatever rendering/generation technique they like; this package never
// inspects Data beyond treating it as an opaque, publishable blob.
type PuzzleRenderer interface {
	Render(ctx context.Context) (data []byte, mimeType, solution string, err error)
}

// Inserter publishes a puzzle document (or a solution document) at a
// request address. Shared shape with downloader.Inserter; kept as its own
// interface so this package does not depend on internal/downloader.
type Inserter interface {
	Insert(ctx context.Context, insertURI string, edition int64, data []byte) error
}

// Fetcher retrieves a published puzzle or solution document.
type Fetcher interface {
	Fetch(ctx context.Context, requestURI string, edition int64) ([]byte, error)
}

// Encoder renders a puzzle to its publishable wire form. Satisfied
// directly by xmlcodec.EncodePuzzle (a function value, not a type this
// package needs to import xmlcodec for) — §6.2 only defines the puzzle
// schema itself, not a solution-document schema.
type Encoder func(p *model.IntroductionPuzzle) ([]byte, error)

// TrustSetter is the subset of *trust.Engine this package needs: awarding
// the introduction trust edge and registering the identity document the
// solver embedded in its solution (§4.7: "parse the introducer's identity
// document from the payload, create it (or update it)").
type TrustSetter interface {
	SetTrust(truster, trustee, comment string, value int) error
	UpsertIdentity(ident *model.Identity) error
}

// Subsystem owns both the server-side (publish puzzles, harvest solutions)
// and client-side (fetch, solve, submit) halves of introduction.
type Subsystem struct {
	store   *store.Store
	engine  TrustSetter
	fetcher Fetcher
	inserter Inserter
	encoder Encoder
	renderer PuzzleRenderer
	log     *telemetrySafeLogger
	metrics *telemetry.Metrics

	puzzleCount              int
	puzzleValidity           time.Duration
	clientPoolSize           int
	maxPuzzlesPerIdentityDay int

	pool *clientPool
}

// telemetrySafeLogger lets New accept a nil logger without every call site
// nil-checking.
type telemetrySafeLogger struct{ l *slog.Logger }

func (t *telemetrySafeLogger) Warn(msg string, args ...any) {
	if t.l != nil {
		t.l.Warn(msg, args...)
	}
}

// New builds a Subsystem.
func New(s *store.Store, engine TrustSetter, f Fetcher, ins Inserter, enc Encoder, renderer PuzzleRenderer, puzzleCount, clientPoolSize, maxPerIdentityDay int, puzzleValidity time.Duration, log *slog.Logger, m *telemetry.Metrics) *Subsystem {
	return &Subsystem{
		store:                    s,
		engine:                   engine,
		fetcher:                  f,
		inserter:                 ins,
		encoder:                  enc,
		renderer:                 renderer,
		log:                      &telemetrySafeLogger{log},
		metrics:                  m,
		puzzleCount:              puzzleCount,
		puzzleValidity:           puzzleValidity,
		clientPoolSize:           clientPoolSize,
		maxPuzzlesPerIdentityDay: maxPerIdentityDay,
		pool:                     newClientPool(clientPoolSize),
	}
}

// --- Server side: publish own puzzles (§3.4 "maintains puzzleCount live
// puzzles, one per day-slot index") ---

// EnsurePuzzles tops ownID's live puzzle set up to puzzleCount, generating
// and publishing whatever's missing for today.
func (s *Subsystem) EnsurePuzzles(ctx context.Context, ownID string) error {
	tx := s.store.Begin(false)
	ident, ok := tx.GetIdentity(ownID)
	existing := tx.ListPuzzlesByInserter(ownID)
	tx.Rollback()
	if !ok || !ident.IsOwn() || ident.Own == nil || !ident.Own.PublishesIntroductionPuzzles {
		return apperr.New(apperr.InvalidParameter, "identity %q does not publish introduction puzzles", ownID)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	liveToday := 0
	usedIndices := map[int]struct{}{}
	for _, p := range existing {
		if p.DateOfInsertion.Equal(today) && p.ValidUntil.After(time.Now().UTC()) {
			liveToday++
			usedIndices[p.Index] = struct{}{}
		}
	}

	for liveToday < s.puzzleCount {
		idx := 0
		for {
			if _, used := usedIndices[idx]; !used {
				break
			}
			idx++
		}
		if err := s.generateOne(ctx, ident, today, idx); err != nil {
			return err
		}
		usedIndices[idx] = struct{}{}
		liveToday++
	}
	return nil
}

func (s *Subsystem) generateOne(ctx context.Context, ident *model.Identity, day time.Time, index int) error {
	data, mimeType, solution, err := s.renderer.Render(ctx)
	if err != nil {
		return fmt.Errorf("introduction: render puzzle: %w", err)
	}

	p := model.IntroductionPuzzle{
		ID:              uuid.NewString() + "@" + ident.ID,
		InserterID:      ident.ID,
		Type:            "Captcha",
		MimeType:        mimeType,
		Data:            data,
		DateOfInsertion: day,
		Index:           index,
		ValidUntil:      time.Now().UTC().Add(s.puzzleValidity),
		Solution:        solution,
	}

	wire, err := s.encoder(&p)
	if err != nil {
		return fmt.Errorf("introduction: encode puzzle: %w", err)
	}
	insertURI := solutionAddress(ident.Own.InsertAddress, p.ID, "puzzle")
	if err := s.inserter.Insert(ctx, insertURI, 0, wire); err != nil {
		return fmt.Errorf("introduction: insert puzzle: %w", err)
	}
	p.WasInserted = true

	tx := s.store.Begin(true)
	tx.PutPuzzle(p)
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PuzzlesGenerated.Inc()
	}
	return nil
}

// HarvestSolutions polls the deterministic solution address of every live
// puzzle ownID has published; a correctly matching solution earns its
// solver the introduction trust edge (§3.4).
func (s *Subsystem) HarvestSolutions(ctx context.Context, ownID string) error {
	tx := s.store.Begin(false)
	puzzles := tx.ListPuzzlesByInserter(ownID)
	tx.Rollback()

	for _, p := range puzzles {
		if p.WasSolved || !p.WasInserted {
			continue
		}
		solutionURI := solutionAddress("", p.ID, "solution")
		data, err := s.fetcher.Fetch(ctx, solutionURI, 0)
		if err != nil {
			continue // not solved yet, or unreachable; try again next harvest
		}
		solverID, claimedSolution, identityXML := parseSolutionDocument(data)
		if claimedSolution != p.Solution {
			continue
		}
		// The solution matched: mark the puzzle solved regardless of what
		// happens to the embedded identity document (§4.7: "Mark the puzzle
		// as solved, regardless of parse success, to avoid DoS") before
		// attempting anything that can fail.
		p.WasSolved = true
		p.SolverID = solverID
		tx := s.store.Begin(true)
		tx.PutPuzzle(*p)
		if err := tx.Commit(); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.PuzzlesSolved.Inc()
		}

		// Create or update the solver's identity from the document it
		// embedded in its solution before awarding trust, so the trust
		// edge below never points at an unknown identity (§4.7). Best
		// effort from here: a malformed payload has already cost the
		// solver its puzzle above.
		parsed, err := xmlcodec.DecodeIdentity(identityXML)
		if err != nil {
			s.log.Warn("introduction: decode solver identity failed", "error", err)
			continue
		}
		now := time.Now().UTC()
		ident := &model.Identity{
			ID:                       solverID,
			Nickname:                 parsed.Nickname,
			DoesPublishTrustList:     parsed.PublishesTrustList,
			Contexts:                 parsed.Contexts,
			Properties:               parsed.Properties,
			CurrentEditionFetchState: model.FetchStateFetched,
			CreationDate:             now,
			LastChangeDate:           now,
			LastFetchedDate:          now,
		}
		if err := s.engine.UpsertIdentity(ident); err != nil {
			s.log.Warn("introduction: register solver identity failed", "error", err)
			continue
		}
		if err := s.engine.SetTrust(ownID, solverID, introductionTrustComment, introductionTrustValue); err != nil {
			s.log.Warn("introduction: award trust failed", "error", err)
			continue
		}
	}
	return nil
}

// --- Client side: fetch from peers, pool, solve, submit ---

// FetchFromPeers pulls new puzzles from every identity that publishes them
// and is within ownID's reachable, positively-scored trust tree, respecting
// maxPuzzlesPerIdentityDay and the pool's capacity (§3.4).
func (s *Subsystem) FetchFromPeers(ctx context.Context, ownID string) error {
	tx := s.store.Begin(false)
	candidates := tx.IdentitiesByScoreSelector(ownID, store.ScorePositive)
	tx.Rollback()

	for _, cand := range candidates {
		if !cand.IsOwn() || cand.Own == nil || !cand.Own.PublishesIntroductionPuzzles {
			continue
		}
		if s.pool.countToday(cand.ID) >= s.maxPuzzlesPerIdentityDay {
			continue
		}
		puzzleURI := solutionAddress(cand.Own.InsertAddress, "latest", "puzzle")
		data, err := s.fetcher.Fetch(ctx, puzzleURI, 0)
		if err != nil {
			continue
		}
		p := model.IntroductionPuzzle{
			ID:              uuid.NewString() + "@" + cand.ID,
			InserterID:      cand.ID,
			Data:            data,
			DateOfInsertion: time.Now().UTC().Truncate(24 * time.Hour),
		}
		s.pool.add(p)
	}
	return nil
}

// NextUnsolved returns a puzzle from the client pool awaiting a solve
// attempt, or false if the pool is empty.
func (s *Subsystem) NextUnsolved() (model.IntroductionPuzzle, bool) {
	return s.pool.next()
}

// SolveAndSubmit records a locally-produced solution and publishes it at
// the puzzle's deterministic solution address for the inserter to harvest.
// The submission embeds the solver's own identity document (§4.7), so the
// inserter can create or update Identity(solverID) purely from what it
// harvests, without a separate fetch round-trip.
func (s *Subsystem) SolveAndSubmit(ctx context.Context, solverID string, puzzleID string, solution string) error {
	p, ok := s.pool.get(puzzleID)
	if !ok {
		return apperr.New(apperr.UnknownPuzzle, "puzzle %q not in local pool", puzzleID)
	}

	tx := s.store.Begin(false)
	ident, ok := tx.GetIdentity(solverID)
	var edges []model.Trust
	if ok {
		for _, e := range tx.TrustsByTruster(solverID) {
			edges = append(edges, *e)
		}
	}
	tx.Rollback()
	if !ok {
		return apperr.New(apperr.UnknownIdentity, "solver identity %q not found", solverID)
	}

	identityXML, err := xmlcodec.EncodeIdentity(ident, edges)
	if err != nil {
		return fmt.Errorf("introduction: encode solver identity: %w", err)
	}

	doc := encodeSolutionDocument(solverID, solution, identityXML)
	uri := solutionAddress("", p.ID, "solution")
	if err := s.inserter.Insert(ctx, uri, 0, doc); err != nil {
		return fmt.Errorf("introduction: submit solution: %w", err)
	}
	s.pool.markSolved(puzzleID)
	return nil
}

// CleanupPuzzles removes stored puzzles that have expired (§4.7:
// "expired puzzles (validUntil < now) are deleted by both sides") and
// cascade-deletes puzzles whose inserter identity no longer exists.
// It is called periodically by cmd/wotengine's puzzle-cleanup ticker loop
// rather than running inline with every request.
func (s *Subsystem) CleanupPuzzles() error {
	tx := s.store.Begin(true)
	now := time.Now().UTC()
	for _, p := range tx.AllPuzzles() {
		if p.ValidUntil.Before(now) {
			tx.DeletePuzzle(p.ID)
			continue
		}
		if _, ok := tx.GetIdentity(p.InserterID); !ok {
			tx.DeletePuzzle(p.ID)
		}
	}
	return tx.Commit()
}

func solutionAddress(insertAddress, puzzleID, kind string) string {
	return fmt.Sprintf("%s/introduction/%s/%s", insertAddress, kind, puzzleID)
}

// encodeSolutionDocument lays the solver ID, claimed solution, and the
// solver's base64-encoded identity document out as three newline-delimited
// fields (§4.7's solution payload; a plain text wire format, matching this
// package's other non-XML address-scheme plumbing rather than reusing the
// heavier IdentityDocument envelope for the whole message).
func encodeSolutionDocument(solverID, solution string, identityXML []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(identityXML)
	return []byte(solverID + "\n" + solution + "\n" + encoded)
}

func parseSolutionDocument(data []byte) (solverID, solution string, identityXML []byte) {
	parts := strings.SplitN(string(data), "\n", 3)
	if len(parts) < 3 {
		return "", "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return parts[0], parts[1], nil
	}
	return parts[0], parts[1], raw
}
