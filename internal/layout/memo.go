package layout

import (
	"sync"
	"time"

	"asksync/internal/model"
)

const dayKeyLayout = "2006-01-02"

// Memo caches day layouts keyed by date. The caller owns the Memo and
// supplies a generation key with every lookup; a new generation drops every
// cached day. Memoization never changes results, it only skips recomputation.
type Memo struct {
	calc *Calculator

	mu         sync.Mutex
	generation string
	days       map[string][]model.PositionedEvent
}

// NewMemo wraps calc. A nil calc uses default options.
func NewMemo(calc *Calculator) *Memo {
	if calc == nil {
		calc = NewCalculator(Options{})
	}
	return &Memo{
		calc: calc,
		days: make(map[string][]model.PositionedEvent),
	}
}

// Positions returns the cached layout for day when generation matches the
// last one seen, computing it from events otherwise.
func (m *Memo) Positions(generation string, events []model.Event, day time.Time) []model.PositionedEvent {
	key := day.Format(dayKeyLayout)

	m.mu.Lock()
	if generation != m.generation {
		m.generation = generation
		m.days = make(map[string][]model.PositionedEvent)
	}
	if cached, ok := m.days[key]; ok {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	positions := m.calc.Positions(events, day)

	m.mu.Lock()
	// A concurrent caller may have moved to a newer generation meanwhile.
	if generation == m.generation {
		m.days[key] = positions
	}
	m.mu.Unlock()

	return positions
}

// Invalidate drops every cached day.
func (m *Memo) Invalidate() {
	m.mu.Lock()
	m.days = make(map[string][]model.PositionedEvent)
	m.mu.Unlock()
}

// Len reports the number of cached days.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.days)
}
