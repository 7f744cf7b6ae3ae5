// Package progressbus fans out per-session Event records to subscribers
// over bounded channels, replaying the current state to late subscribers
// and guaranteeing terminal-event delivery even after disconnection.
package progressbus

import (
	"sync"
	"time"

	"github.com/deepresearch/orchestrator/research"
)

// DefaultBufferSize bounds how many events a slow subscriber may lag behind
// before older, non-terminal events are dropped in its favor.
const DefaultBufferSize = 64

// subscription is one subscriber's view of a session's event stream.
type subscription struct {
	ch     chan research.Event
	mu     sync.Mutex
	closed bool
}

func newSubscription(bufferSize int) *subscription {
	return &subscription{ch: make(chan research.Event, bufferSize)}
}

// deliver pushes an event to the subscriber, dropping the oldest buffered
// non-terminal event to make room rather than blocking the publisher. A
// terminal event is always delivered: if the buffer is still full after
// dropping one entry, deliver keeps dropping until the terminal event fits.
func (s *subscription) deliver(evt research.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
			// Buffer momentarily empty between the failed send and this
			// drain; loop back and retry the send.
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// sessionTopic holds the live subscribers and last-known state for one
// session, so a subscriber joining after some events fired still gets a
// snapshot to render immediately.
type sessionTopic struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	last        research.Event
	hasLast     bool
	terminal    bool
}

// Bus is the Progress Bus: a process-local, per-session pub/sub used to
// stream Event records from the workflow engine to HTTP long-lived
// connections (WebSocket or SSE).
type Bus struct {
	bufferSize int

	mu     sync.Mutex
	topics map[string]*sessionTopic
}

// NewBus returns a Bus whose subscriber channels are buffered to
// bufferSize. A non-positive bufferSize falls back to DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{bufferSize: bufferSize, topics: make(map[string]*sessionTopic)}
}

func (b *Bus) topicFor(sessionID string) *sessionTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &sessionTopic{subscribers: make(map[*subscription]struct{})}
		b.topics[sessionID] = t
	}
	return t
}

// Publish fans evt out to every current subscriber of evt.SessionID and
// records it as the replay snapshot for subscribers that join later. Once a
// terminal event type publishes, the topic is retained (not deleted) purely
// so that a subscriber racing the publish still observes the terminal state
// via Subscribe's replay; CloseSession removes it explicitly.
func (b *Bus) Publish(evt research.Event) {
	t := b.topicFor(evt.SessionID)
	t.mu.Lock()
	t.last = evt
	t.hasLast = true
	if evt.Type.IsTerminal() {
		t.terminal = true
	}
	subs := make([]*subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}
}

// Subscription is returned by Subscribe; Events yields the replayed current
// state followed by live events until the stream terminates, and Close
// releases the subscription's resources without affecting other
// subscribers or the bus's retained state.
type Subscription struct {
	Events <-chan research.Event
	topic  *sessionTopic
	sub    *subscription
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subscribers, s.sub)
	s.topic.mu.Unlock()
	s.sub.close()
}

// Subscribe joins sessionID's event stream. If a prior Publish recorded a
// state for this session, that event is emitted first (the "replay"), even
// if the session has already reached a terminal state by the time
// Subscribe is called — this is what lets a client that connects after
// completion still observe the terminal event.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	t := b.topicFor(sessionID)
	sub := newSubscription(b.bufferSize)

	t.mu.Lock()
	if t.hasLast {
		sub.ch <- t.last
	}
	if t.terminal {
		// Nothing further will ever publish for this session; close now so
		// a ranging consumer observes the replayed terminal event and then
		// exits its loop, rather than blocking indefinitely.
		t.mu.Unlock()
		sub.close()
		return &Subscription{Events: sub.ch, topic: t, sub: sub}
	}
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	return &Subscription{Events: sub.ch, topic: t, sub: sub}
}

// CloseSession removes sessionID's topic from the bus and closes every
// subscriber's channel; events already queued can still be drained. Call
// this once the session's final event has been published and no further
// events are expected, to release the topic's memory.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if ok {
		delete(b.topics, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.subscribers = nil
	t.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// PublishProgress is a convenience wrapper constructing and publishing a
// progress_update Event.
func (b *Bus) PublishProgress(sessionID string, stage research.Stage, progress int, detail string) {
	b.Publish(research.Event{
		SessionID: sessionID,
		Type:      research.EventProgressUpdate,
		Stage:     stage,
		Progress:  progress,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

// PublishError publishes a terminal error Event.
func (b *Bus) PublishError(sessionID string, stage research.Stage, err *research.Error) {
	b.Publish(research.Event{
		SessionID: sessionID,
		Type:      research.EventError,
		Stage:     stage,
		Timestamp: time.Now(),
		Error:     err,
	})
}

// PublishComplete publishes the terminal research_complete Event.
func (b *Bus) PublishComplete(sessionID string, progress int) {
	b.Publish(research.Event{
		SessionID: sessionID,
		Type:      research.EventResearchComplete,
		Stage:     research.StageCompleted,
		Progress:  progress,
		Timestamp: time.Now(),
	})
}
