package transport

import "sync"

// Inbox is an unbounded, ordered queue behind a Recv channel. Producers
// never block; the channel is closed once the inbox ends and the backlog
// has been consumed, or immediately on Abort.
type Inbox struct {
	out   chan []byte
	wake  chan struct{}
	done  chan struct{}
	abort chan struct{}

	mu      sync.Mutex
	queue   [][]byte
	ended   bool
	aborted bool
	err     error
}

func NewInbox() *Inbox {
	b := &Inbox{
		out:   make(chan []byte),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		abort: make(chan struct{}),
	}
	go b.pump()
	return b
}

// C is the receive side.
func (b *Inbox) C() <-chan []byte { return b.out }

// Done is closed as soon as the inbox ends, before the backlog drains.
func (b *Inbox) Done() <-chan struct{} { return b.done }

// Push queues p. It reports false once the inbox has ended.
func (b *Inbox) Push(p []byte) bool {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, p)
	b.mu.Unlock()

	b.notify()
	return true
}

// Finish ends the inbox with err after queued payloads are consumed. Only
// the first call has an effect; it reports whether this call ended it.
func (b *Inbox) Finish(err error) bool {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return false
	}
	b.ended = true
	b.err = err
	close(b.done)
	b.mu.Unlock()

	b.notify()
	return true
}

// Abort ends the inbox and discards the backlog.
func (b *Inbox) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ended {
		b.ended = true
		close(b.done)
	}
	if !b.aborted {
		b.aborted = true
		close(b.abort)
	}
}

func (b *Inbox) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

func (b *Inbox) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Inbox) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Inbox) pump() {
	defer close(b.out)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			ended := b.ended
			b.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-b.wake:
			case <-b.abort:
				return
			}
			continue
		}
		p := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- p:
		case <-b.abort:
			return
		}
	}
}
