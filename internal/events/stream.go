package events

import (
	"sync"
	"time"

	"github.com/docsight/reader-engine/internal/storage"
)

// Log is an append-only event log for one document run. Publishing and
// subscribing may interleave freely; subscribers attached after events
// were published replay the history first.
type Log struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool

	docID string
}

// NewLog creates an event log for one document.
func NewLog(docID string) *Log {
	l := &Log{docID: docID}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Publish appends one event and wakes all subscribers. Sequence numbers
// are assigned here, so ordering is exactly append order.
func (l *Log) Publish(t Type, status storage.DocumentStatus, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.events = append(l.events, Event{
		Seq:        len(l.events),
		DocumentID: l.docID,
		Type:       t,
		Status:     status,
		At:         time.Now().UTC(),
		Payload:    payload,
	})
	l.cond.Broadcast()
}

// Close marks the log terminal. Subscribers drain remaining history and
// then their channels close.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.cond.Broadcast()
}

// Closed reports whether the log is terminal.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Snapshot returns a copy of the events published so far.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscription is one subscriber's view of a log. Events arrive on C in
// strict sequence order starting from zero. C closes when the log is
// closed and history is drained, or when Cancel is called.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe attaches a new subscriber. The returned subscription replays
// the full history before delivering live events.
func (l *Log) Subscribe() *Subscription {
	ch := make(chan Event)
	done := make(chan struct{})

	go func() {
		defer close(ch)

		cursor := 0
		for {
			l.mu.Lock()
			for cursor == len(l.events) && !l.closed {
				// Wake-ups come from Publish and Close. Cancellation is
				// detected after wake-up, so also poke the cond on cancel.
				select {
				case <-done:
					l.mu.Unlock()
					return
				default:
				}
				l.cond.Wait()
			}
			batch := make([]Event, len(l.events)-cursor)
			copy(batch, l.events[cursor:])
			cursor = len(l.events)
			closed := l.closed
			l.mu.Unlock()

			for _, evt := range batch {
				select {
				case ch <- evt:
				case <-done:
					return
				}
			}

			if closed && cursor == l.len() {
				return
			}
		}
	}()

	sub := &Subscription{C: ch}
	sub.cancel = func() {
		close(done)
		// Wake the delivery goroutine if it is parked in Wait.
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	}
	return sub
}

func (l *Log) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
