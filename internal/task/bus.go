package task

import (
	"sync"

	"github.com/iambrandonn/autodev/internal/protocol"
)

// Bus fans one task's events out to any number of subscribers.
// Each subscription has its own unbounded queue so the producer never
// waits on a consumer. After a terminal event the bus is closed and every
// subscription channel closes once the terminal event is delivered.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	terminal protocol.Event
}

// NewBus creates an open bus with no subscribers
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers evt to every current subscriber. Events published after
// a terminal event are dropped.
func (b *Bus) Publish(evt protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal != nil {
		return
	}

	terminal := evt.Type().IsTerminal()
	for sub := range b.subs {
		sub.push(evt, terminal)
	}

	if terminal {
		b.terminal = evt
		b.subs = make(map[*Subscription]struct{})
	}
}

// Subscribe attaches a subscriber whose first event is initial. If the bus
// already closed, the subscriber also receives the terminal event and then
// its channel closes.
func (b *Bus) Subscribe(initial protocol.Event) *Subscription {
	sub := newSubscription(b)

	b.mu.Lock()
	sub.push(initial, false)
	if b.terminal != nil {
		sub.push(b.terminal, true)
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Closed reports whether a terminal event was published
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal != nil
}

// Subscribers returns the number of attached subscriptions
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one consumer's ordered view of a task's events
type Subscription struct {
	bus    *Bus
	events chan protocol.Event

	mu       sync.Mutex
	queue    []protocol.Event
	finished bool
	ready    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(b *Bus) *Subscription {
	return &Subscription{
		bus:    b,
		events: make(chan protocol.Event),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Events returns the channel of events. It is closed after the terminal
// event or after Close.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.events
}

// Close detaches the subscription and stops its delivery goroutine.
// Pending events are discarded. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.detach(s)
	})
}

func (s *Subscription) push(evt protocol.Event, terminal bool) {
	s.mu.Lock()
	if !s.finished {
		s.queue = append(s.queue, evt)
		s.finished = terminal
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.events)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.ready:
				continue
			case <-s.done:
				return
			}
		}

		evt := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}
