// Package panel keeps the published panel snapshots of every active encounter
// and fans them out to subscribers.
package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/rules"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns one board per active encounter. The lock guards only the board
// map; each board has its own lock.
type Manager struct {
	engine *rules.Engine
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	boards map[string]*board
}

type board struct {
	mu      sync.Mutex
	current PanelState
	subs    map[*subscriber]struct{}
	closed  bool
}

// NewManager returns a manager evaluating fact sets with engine.
func NewManager(engine *rules.Engine, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		logger: logger,
		now:    time.Now,
		boards: make(map[string]*board),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open creates the board for an encounter with its version 0 snapshot.
func (m *Manager) Open(encounterID string) (PanelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[encounterID]; ok {
		return PanelState{}, fmt.Errorf("%w: %s", ErrBoardExists, encounterID)
	}
	initial := newState(encounterID, m.engine.Evaluate(fact.NewSet(encounterID)), m.now())
	m.boards[encounterID] = &board{current: initial, subs: make(map[*subscriber]struct{})}
	return initial, nil
}

func (m *Manager) board(encounterID string) (*board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[encounterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBoard, encounterID)
	}
	return b, nil
}

// Apply recomputes the panels from the full fact set. A snapshot is published
// only when its content differs from the current one; otherwise the current
// snapshot is returned unchanged with published false.
func (m *Manager) Apply(encounterID string, set *fact.Set) (PanelState, bool, error) {
	b, err := m.board(encounterID)
	if err != nil {
		return PanelState{}, false, err
	}
	next := newState(encounterID, m.engine.Evaluate(set), m.now())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return PanelState{}, false, fmt.Errorf("%w: %s", ErrNoBoard, encounterID)
	}
	if next.SameContent(b.current) {
		return b.current, false, nil
	}
	next.Version = b.current.Version + 1
	b.current = next
	for s := range b.subs {
		s.push(next)
	}

	m.logger.Debug().
		Str("encounter_id", encounterID).
		Uint64("version", next.Version).
		Int("hypotheses", len(next.Hypotheses)).
		Int("gaps", len(next.Gaps)).
		Int("management", len(next.Management)).
		Int("subscribers", len(b.subs)).
		Msg("panels published")
	return next, true, nil
}

// Current returns the latest published snapshot.
func (m *Manager) Current(encounterID string) (PanelState, error) {
	b, err := m.board(encounterID)
	if err != nil {
		return PanelState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

// Subscribe returns a channel that first yields the current snapshot and then
// every published snapshot in version order. The channel is closed when the
// encounter closes, ctx is done or cancel is called. Callers must call cancel
// once they stop reading.
func (m *Manager) Subscribe(ctx context.Context, encounterID string) (<-chan PanelState, func(), error) {
	b, err := m.board(encounterID)
	if err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrNoBoard, encounterID)
	}
	s := newSubscriber(b.current)
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(ctx, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	})
	return s.out, s.cancel, nil
}

// Close drops the board of an encounter. Subscribers receive the snapshots
// already queued for them, then their channels close.
func (m *Manager) Close(encounterID string) error {
	m.mu.Lock()
	b, ok := m.boards[encounterID]
	delete(m.boards, encounterID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBoard, encounterID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	return nil
}

// Len returns the number of open boards.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boards)
}
