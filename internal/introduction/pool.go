package introduction

import (
	"container/list"
	"sync"
	"time"

	"github.com/hyphanet/wot-engine/internal/model"
)

// clientPool is the bounded LRU of recently downloaded, not-yet-solved
// puzzles (§3.4: "client-side pool capped at clientPuzzlePoolSize, evicting
// least-recently-downloaded"). Also tracks a per-day, per-inserter download
// count to enforce maxPuzzlesPerIdentityDay.
type clientPool struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently added
	elems    map[string]*list.Element

	perIdentityDay map[string]map[string]int // inserterID -> day key -> count
}

type poolEntry struct {
	puzzle model.IntroductionPuzzle
	solved bool
}

func newClientPool(capacity int) *clientPool {
	return &clientPool{
		capacity:       capacity,
		order:          list.New(),
		elems:          make(map[string]*list.Element),
		perIdentityDay: make(map[string]map[string]int),
	}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (p *clientPool) add(puzzle model.IntroductionPuzzle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.elems[puzzle.ID]; exists {
		return
	}
	for p.order.Len() >= p.capacity {
		back := p.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*poolEntry)
		delete(p.elems, evicted.puzzle.ID)
		p.order.Remove(back)
	}

	el := p.order.PushFront(&poolEntry{puzzle: puzzle})
	p.elems[puzzle.ID] = el

	key := dayKey(puzzle.DateOfInsertion)
	byDay, ok := p.perIdentityDay[puzzle.InserterID]
	if !ok {
		byDay = make(map[string]int)
		p.perIdentityDay[puzzle.InserterID] = byDay
	}
	byDay[key]++
}

func (p *clientPool) countToday(inserterID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	byDay, ok := p.perIdentityDay[inserterID]
	if !ok {
		return 0
	}
	return byDay[dayKey(time.Now())]
}

func (p *clientPool) get(puzzleID string) (model.IntroductionPuzzle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elems[puzzleID]
	if !ok {
		return model.IntroductionPuzzle{}, false
	}
	entry := el.Value.(*poolEntry)
	return entry.puzzle, true
}

// next returns the most recently added, not-yet-solved puzzle.
func (p *clientPool) next() (model.IntroductionPuzzle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*poolEntry)
		if !entry.solved {
			return entry.puzzle, true
		}
	}
	return model.IntroductionPuzzle{}, false
}

func (p *clientPool) markSolved(puzzleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.elems[puzzleID]; ok {
		el.Value.(*poolEntry).solved = true
		p.order.MoveToFront(el)
	}
}
