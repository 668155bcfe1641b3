package panel

import (
	"context"
	"sync"
)

// subscriber is an unbounded mailbox drained by its own goroutine, so a slow
// reader never blocks the board and never misses a snapshot.
type subscriber struct {
	mu       sync.Mutex
	queue    []PanelState
	finished bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	out  chan PanelState
}

func newSubscriber(initial PanelState) *subscriber {
	return &subscriber{
		queue: []PanelState{initial},
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		out:   make(chan PanelState),
	}
}

func (s *subscriber) push(state PanelState) {
	s.mu.Lock()
	if !s.finished {
		s.queue = append(s.queue, state)
	}
	s.mu.Unlock()
	s.signal()
}

// finish lets the mailbox drain what it already holds, then close.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

// cancel closes the channel without draining.
func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (PanelState, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return PanelState{}, false, s.finished
	}
	state := s.queue[0]
	s.queue[0] = PanelState{}
	s.queue = s.queue[1:]
	return state, true, false
}

func (s *subscriber) run(ctx context.Context, done func()) {
	defer close(s.out)
	defer done()
	for {
		state, ok, finished := s.next()
		if finished {
			return
		}
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.out <- state:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
