package introduction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/trust"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

// memNetwork is a shared in-memory publish/fetch space standing in for the
// host content-addressed network, letting a test build both the server and
// client halves of an introduction cycle without real network access.
type memNetwork struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemNetwork() *memNetwork { return &memNetwork{docs: make(map[string][]byte)} }

func netKey(uri string, edition int64) string { return fmt.Sprintf("%s@%d", uri, edition) }

func (n *memNetwork) Insert(ctx context.Context, uri string, edition int64, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.docs[netKey(uri, edition)] = data
	return nil
}

func (n *memNetwork) Fetch(ctx context.Context, uri string, edition int64) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.docs[netKey(uri, edition)]
	if !ok {
		return nil, fmt.Errorf("memnetwork: %s edition %d not published", uri, edition)
	}
	return data, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSubsystem(s *store.Store, engine TrustSetter, net *memNetwork) *Subsystem {
	return New(s, engine, net, net, xmlcodec.EncodePuzzle, MemRenderer{}, 1, 10, 10, time.Hour, testLogger(), nil)
}

// TestIntroductionCycle exercises §8 scenario 7 end to end: server
// OwnIdentity X publishes a puzzle, client OwnIdentity Y solves and submits
// it, and harvesting on X's side both registers Y's identity and awards the
// expected trust edge and resulting score.
func TestIntroductionCycle(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	storeX := store.New()
	engineX := trust.New(storeX, testLogger(), nil)
	if err := engineX.RegisterOwnIdentity(&model.Identity{
		ID: "X",
		Own: &model.OwnIdentityData{
			InsertAddress:                "USK@x/X/0",
			PublishesIntroductionPuzzles: true,
		},
		DoesPublishTrustList: true,
	}); err != nil {
		t.Fatalf("RegisterOwnIdentity(X): %v", err)
	}
	subsystemX := newSubsystem(storeX, engineX, net)

	storeY := store.New()
	engineY := trust.New(storeY, testLogger(), nil)
	if err := engineY.RegisterOwnIdentity(&model.Identity{
		ID:  "Y",
		Own: &model.OwnIdentityData{InsertAddress: "USK@y/Y/0"},
	}); err != nil {
		t.Fatalf("RegisterOwnIdentity(Y): %v", err)
	}
	subsystemY := newSubsystem(storeY, engineY, net)

	if err := subsystemX.EnsurePuzzles(ctx, "X"); err != nil {
		t.Fatalf("EnsurePuzzles: %v", err)
	}

	tx := storeX.Begin(false)
	puzzles := tx.ListPuzzlesByInserter("X")
	tx.Rollback()
	if len(puzzles) != 1 {
		t.Fatalf("X published %d puzzles, want 1", len(puzzles))
	}
	puzzleID := puzzles[0].ID
	solution := puzzles[0].Solution // MemRenderer's solution is the one only the inserter's store knows

	// Y downloads the puzzle document and recovers the challenge bytes,
	// which for MemRenderer equal the solution itself.
	wire, err := net.Fetch(ctx, solutionAddress("USK@x/X/0", puzzleID, "puzzle"), 0)
	if err != nil {
		t.Fatalf("fetch published puzzle: %v", err)
	}
	parsed, err := xmlcodec.DecodePuzzle(wire)
	if err != nil {
		t.Fatalf("DecodePuzzle: %v", err)
	}
	if string(parsed.Data) != solution {
		t.Fatalf("downloaded puzzle data = %q, want %q (MemRenderer's solution)", parsed.Data, solution)
	}

	subsystemY.pool.add(model.IntroductionPuzzle{ID: puzzleID, InserterID: "X", Data: parsed.Data, DateOfInsertion: time.Now().UTC()})

	if err := subsystemY.SolveAndSubmit(ctx, "Y", puzzleID, string(parsed.Data)); err != nil {
		t.Fatalf("SolveAndSubmit: %v", err)
	}

	if err := subsystemX.HarvestSolutions(ctx, "X"); err != nil {
		t.Fatalf("HarvestSolutions: %v", err)
	}

	tx = storeX.Begin(false)
	defer tx.Rollback()

	if _, ok := tx.GetIdentity("Y"); !ok {
		t.Error("Identity(Y) does not exist in X's store after harvest")
	}
	tr, ok := tx.GetTrust("X", "Y")
	if !ok {
		t.Fatal("Trust(X,Y) missing after harvest")
	}
	if tr.Value != 0 || tr.Comment != "Trust received by solving a captcha." {
		t.Errorf("Trust(X,Y) = (%d, %q), want (0, %q)", tr.Value, tr.Comment, "Trust received by solving a captcha.")
	}
	sc, ok := tx.GetScore("X", "Y")
	if !ok {
		t.Fatal("Score(X,Y) missing after harvest")
	}
	if sc.Value != 0 || sc.Rank != 1 || sc.Capacity != 40 {
		t.Errorf("Score(X,Y) = (%d,%d,%d), want (0,1,40)", sc.Value, sc.Rank, sc.Capacity)
	}

	p, ok := tx.GetPuzzle(puzzleID)
	if !ok {
		t.Fatal("puzzle missing from store")
	}
	if !p.WasSolved || p.SolverID != "Y" {
		t.Errorf("puzzle wasSolved=%v solver=%q, want wasSolved=true solver=Y", p.WasSolved, p.SolverID)
	}
}

func TestEnsurePuzzlesRejectsNonPublisher(t *testing.T) {
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "X", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	net := newMemNetwork()
	sub := newSubsystem(s, engine, net)
	if err := sub.EnsurePuzzles(context.Background(), "X"); err == nil {
		t.Error("EnsurePuzzles should reject an identity that does not publish introduction puzzles")
	}
}

func TestHarvestSolutionsIgnoresWrongSolution(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{
		ID:  "X",
		Own: &model.OwnIdentityData{InsertAddress: "USK@x/X/0", PublishesIntroductionPuzzles: true},
	}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	sub := newSubsystem(s, engine, net)
	if err := sub.EnsurePuzzles(ctx, "X"); err != nil {
		t.Fatalf("EnsurePuzzles: %v", err)
	}

	tx := s.Begin(false)
	puzzles := tx.ListPuzzlesByInserter("X")
	tx.Rollback()
	puzzleID := puzzles[0].ID

	// Publish a bogus solution document claiming the wrong answer.
	if err := net.Insert(ctx, solutionAddress("", puzzleID, "solution"), 0, encodeSolutionDocument("Mallory", "wrong-answer", nil)); err != nil {
		t.Fatalf("Insert bogus solution: %v", err)
	}

	if err := sub.HarvestSolutions(ctx, "X"); err != nil {
		t.Fatalf("HarvestSolutions: %v", err)
	}

	tx = s.Begin(false)
	defer tx.Rollback()
	p, _ := tx.GetPuzzle(puzzleID)
	if p.WasSolved {
		t.Error("puzzle should not be marked solved by a bogus solution string")
	}
	if _, ok := tx.GetIdentity("Mallory"); ok {
		t.Error("a wrong solution must not register the claimed solver's identity")
	}
}

func TestSolveAndSubmitUnknownPuzzle(t *testing.T) {
	net := newMemNetwork()
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "Y", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	sub := newSubsystem(s, engine, net)
	if err := sub.SolveAndSubmit(context.Background(), "Y", "nonexistent", "x"); err == nil {
		t.Error("SolveAndSubmit should reject a puzzle not in the local pool")
	}
}

func TestCleanupPuzzlesDeletesExpired(t *testing.T) {
	net := newMemNetwork()
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	if err := engine.RegisterOwnIdentity(&model.Identity{ID: "X", Own: &model.OwnIdentityData{}}); err != nil {
		t.Fatalf("RegisterOwnIdentity: %v", err)
	}
	sub := newSubsystem(s, engine, net)

	tx := s.Begin(true)
	tx.PutPuzzle(model.IntroductionPuzzle{ID: "expired@X", InserterID: "X", ValidUntil: time.Now().Add(-time.Hour)})
	tx.PutPuzzle(model.IntroductionPuzzle{ID: "live@X", InserterID: "X", ValidUntil: time.Now().Add(time.Hour)})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := sub.CleanupPuzzles(); err != nil {
		t.Fatalf("CleanupPuzzles: %v", err)
	}

	rtx := s.Begin(false)
	defer rtx.Rollback()
	if _, ok := rtx.GetPuzzle("expired@X"); ok {
		t.Error("expired puzzle should have been deleted")
	}
	if _, ok := rtx.GetPuzzle("live@X"); !ok {
		t.Error("still-valid puzzle should survive cleanup")
	}
}

func TestCleanupPuzzlesCascadeDeletesOrphaned(t *testing.T) {
	net := newMemNetwork()
	s := store.New()
	engine := trust.New(s, testLogger(), nil)
	sub := newSubsystem(s, engine, net)

	tx := s.Begin(true)
	tx.PutPuzzle(model.IntroductionPuzzle{ID: "orphan@Ghost", InserterID: "Ghost", ValidUntil: time.Now().Add(time.Hour)})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := sub.CleanupPuzzles(); err != nil {
		t.Fatalf("CleanupPuzzles: %v", err)
	}

	rtx := s.Begin(false)
	defer rtx.Rollback()
	if _, ok := rtx.GetPuzzle("orphan@Ghost"); ok {
		t.Error("puzzle of a deleted/nonexistent identity should be cascade-deleted")
	}
}

func TestEncodeDecodeSolutionDocumentRoundTrip(t *testing.T) {
	identityXML := []byte("<Identity><Nickname>Y</Nickname></Identity>")
	doc := encodeSolutionDocument("Y", "abc123", identityXML)

	solverID, solution, gotXML := parseSolutionDocument(doc)
	if solverID != "Y" {
		t.Errorf("solverID = %q, want Y", solverID)
	}
	if solution != "abc123" {
		t.Errorf("solution = %q, want abc123", solution)
	}
	if string(gotXML) != string(identityXML) {
		t.Errorf("identityXML = %q, want %q", gotXML, identityXML)
	}
}
