package notify

import (
	"log"
	"sync"
)

const subscriberBuffer = 256

// Bus fans notifications out to subscribers. Publish never blocks: each
// subscriber owns a buffered queue drained by its own goroutine, so per
// subscriber delivery order matches publish order while a stalled sink
// only loses its own records.
type Bus struct {
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool

	wg sync.WaitGroup
}

type subscription struct {
	name string
	ch   chan Notification
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{logger: logger, subs: make(map[int]*subscription)}
}

// Subscribe registers fn under a diagnostic name and returns the
// unsubscribe function. fn runs on a dedicated goroutine; a panic inside it
// is logged and the subscription keeps draining.
func (b *Bus) Subscribe(name string, fn func(Notification)) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &subscription{name: name, ch: make(chan Notification, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub, fn)

	return func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) drain(sub *subscription, fn func(Notification)) {
	defer b.wg.Done()
	for n := range sub.ch {
		b.deliver(sub.name, fn, n)
	}
}

func (b *Bus) deliver(name string, fn func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("NOTIFY: subscriber %s panicked on %s: %v", name, n.Event, r)
		}
	}()
	fn(n)
}

// Publish enqueues the record for every subscriber. When a subscriber's
// queue is full the record is dropped for that subscriber only, with a log
// line naming it.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			b.logger.Printf("NOTIFY: subscriber %s full, dropping %s", sub.name, n.Event)
		}
	}
}

// Close stops delivery and waits for subscriber goroutines to finish their
// queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
