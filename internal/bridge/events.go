package bridge

import (
	"fmt"
	"runtime/debug"
	"time"
)

// defaultQueueSize bounds the number of undelivered events per connection.
const defaultQueueSize = 256

// eventQueue is a closable FIFO queue shared by the transport layer
// (producer) and the delivery loop (consumer). The channel stands in for the
// usual lock-plus-condition pair: enqueue never blocks the producer, and
// closing done wakes the consumer.
type eventQueue struct {
	ch   chan DebugEvent
	done chan struct{}
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &eventQueue{
		ch:   make(chan DebugEvent, size),
		done: make(chan struct{}),
	}
}

// enqueue adds an event unless the queue is closed or full.
func (q *eventQueue) enqueue(ev DebugEvent) error {
	select {
	case <-q.done:
		return ErrNotConnected
	default:
	}

	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrNotConnected
	default:
		return fmt.Errorf("%w: event queue full", ErrResource)
	}
}

// close signals the delivery loop to stop. Safe to call once.
func (q *eventQueue) close() {
	close(q.done)
}

// PublishEvent enqueues a debug event for delivery. It is the producer API
// used by transports and host adapters. Events are delivered to handlers in
// FIFO order by the connection's delivery loop.
func (b *Bridge) PublishEvent(ev DebugEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	q := b.queue
	b.mu.Unlock()

	if q == nil {
		return ErrNotConnected
	}

	if err := q.enqueue(ev); err != nil {
		b.logger.Warn("dropping debug event %s: %v", ev.Type, err)
		return err
	}
	return nil
}

// RegisterEventHandler appends a handler to the delivery list and returns its
// id. Ids increase monotonically and are never reused. Handlers accumulate
// for the bridge's lifetime; there is no removal operation.
func (b *Bridge) RegisterEventHandler(handler EventHandler) uint64 {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	b.nextHandlerID++
	id := b.nextHandlerID
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})

	b.logger.Debug("registered event handler %d", id)
	return id
}

// deliverEvents is the dedicated delivery loop. One runs per connection,
// started by Connect and stopped cooperatively by Disconnect. Events are
// consumed exactly once and fanned out to every handler in registration
// order; no lock is held while handlers run.
func (b *Bridge) deliverEvents(q *eventQueue) {
	defer b.loopWG.Done()

	for {
		select {
		case <-q.done:
			return
		case ev := <-q.ch:
			b.dispatch(&ev)
		}
	}
}

// dispatch invokes every registered handler for one event. A panicking
// handler is logged and does not prevent delivery to the remaining handlers.
func (b *Bridge) dispatch(ev *DebugEvent) {
	b.handlerMu.RLock()
	entries := make([]handlerEntry, len(b.handlers))
	copy(entries, b.handlers)
	b.handlerMu.RUnlock()

	for _, entry := range entries {
		b.invokeHandler(entry, ev)
	}
}

func (b *Bridge) invokeHandler(entry handlerEntry, ev *DebugEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler %d panicked: %v\n%s", entry.id, r, debug.Stack())
		}
	}()
	entry.handler(ev)
}
