package connection

import "sync"

// Handler receives manager events. Handlers run one at a time on the
// manager's dispatch goroutine and may call back into the manager.
type Handler func(Event)

type subscription struct {
	id   uint64
	kind EventKind // zero matches every kind
	fn   Handler
}

type subscribers struct {
	mu     sync.RWMutex
	nextID uint64
	list   []subscription
}

func (s *subscribers) add(kind EventKind, fn Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, subscription{id: id, kind: kind, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

// publish calls every matching handler in subscription order.
func (s *subscribers) publish(e Event) {
	s.mu.RLock()
	list := s.list
	s.mu.RUnlock()

	for _, sub := range list {
		if sub.kind == 0 || sub.kind == e.Kind {
			sub.fn(e)
		}
	}
}

// eventQueue is an unbounded FIFO between state transitions, which must
// never block, and the dispatch goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Queued events are still dispatched.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(deliver func(Event)) {
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		deliver(e)
	}
}
