// Package stream implements per-workflow broadcast of stage events. One
// producer (the run goroutine) publishes; any number of subscribers each
// receive every event. Publishing never blocks: a subscriber whose buffer is
// full is dropped rather than backpressuring the run.
package stream

import (
	"sync"

	"github.com/atelier-ai/atelier/pkg/api"
)

const defaultBuffer = 64

// Hub owns the subscriber tables, one topic per workflow id. Topics are
// created on first use and retained after the run finishes (holding only the
// terminal event) until Remove is called by the retention sweeper, so
// subscribers arriving after the end still get a well-defined answer.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	buffer int
}

type topic struct {
	mu       sync.Mutex
	subs     map[int]*subscriber
	nextID   int
	closed   bool
	terminal api.StageEvent
}

type subscriber struct {
	ch      chan api.StageEvent
	once    sync.Once
	done    chan struct{}
	release func()
}

// NewHub creates a Hub. buffer is the per-subscriber channel capacity; a
// subscriber that falls more than buffer events behind is disconnected.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
	}
}

// Open creates the topic for a workflow if it does not exist. The engine
// opens a topic when it accepts a run; Subscribe never creates topics, so a
// topic evicted by the retention sweeper cannot be resurrected in an open,
// never-to-be-closed state by a racing subscriber.
func (h *Hub) Open(workflowID string) {
	h.getOrCreate(workflowID)
}

// Subscribe attaches a new subscriber to the workflow's topic and returns its
// event channel, a cancel func, and a done channel that closes when the
// subscription is torn down by any path. The cancel func is idempotent and
// always runs release (admission slot return), whether called by the
// consumer, by a slow-subscriber drop, or by topic teardown.
//
// Subscribing to a topic that already reached its terminal state yields the
// single terminal event, then a closed channel. Subscribing to a workflow
// with no topic (never opened, or already evicted) reports false.
func (h *Hub) Subscribe(workflowID string, release func()) (<-chan api.StageEvent, func(), <-chan struct{}, bool) {
	h.mu.RLock()
	t, exists := h.topics[workflowID]
	h.mu.RUnlock()
	if !exists {
		return nil, nil, nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if release == nil {
		release = func() {}
	}

	if t.closed {
		ch := make(chan api.StageEvent, 1)
		ch <- t.terminal
		close(ch)
		done := make(chan struct{})
		close(done)
		var once sync.Once
		return ch, func() { once.Do(release) }, done, true
	}

	sub := &subscriber{
		ch:      make(chan api.StageEvent, h.buffer),
		done:    make(chan struct{}),
		release: release,
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = sub

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			sub.close(false)
		}
		t.mu.Unlock()
	}
	return sub.ch, cancel, sub.done, true
}

// Publish broadcasts an event to every subscriber of its workflow. It is
// called only by the owning run goroutine, which gives per-workflow total
// order. Subscribers whose buffers are full are dropped.
func (h *Hub) Publish(ev api.StageEvent) {
	h.mu.RLock()
	t, ok := h.topics[ev.WorkflowID]
	h.mu.RUnlock()
	if !ok {
		// No topic means no subscriber ever showed up; nothing to do.
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop it rather than block the run.
			delete(t.subs, id)
			sub.close(true)
		}
	}
}

// CloseTopic delivers the terminal event to every remaining subscriber,
// closes their channels, and marks the topic closed so late subscribers get
// the synthetic terminal event. The topic itself stays in the table until
// Remove so status and subscription stay answerable through the retention
// window.
func (h *Hub) CloseTopic(workflowID string, terminal api.StageEvent) {
	t := h.getOrCreate(workflowID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.terminal = terminal

	for id, sub := range t.subs {
		select {
		case sub.ch <- terminal:
		default:
		}
		delete(t.subs, id)
		sub.close(true)
	}
}

// Remove evicts a topic entirely. Called by the retention sweeper once the
// run leaves the queryable window.
func (h *Hub) Remove(workflowID string) {
	h.mu.Lock()
	t, ok := h.topics[workflowID]
	if ok {
		delete(h.topics, workflowID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.close(true)
	}
	t.closed = true
}

// Subscribers reports the current subscriber count for a workflow.
func (h *Hub) Subscribers(workflowID string) int {
	h.mu.RLock()
	t, ok := h.topics[workflowID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) getOrCreate(workflowID string) *topic {
	h.mu.RLock()
	t, ok := h.topics[workflowID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[workflowID]; ok {
		return t
	}
	t = &topic{subs: make(map[int]*subscriber)}
	h.topics[workflowID] = t
	return t
}

// close tears down the subscriber exactly once. closeCh is false when the
// consumer itself cancelled; its channel then stays open (but unfed) so the
// consumer does not race a close with a final read it no longer wants.
func (s *subscriber) close(closeCh bool) {
	s.once.Do(func() {
		close(s.done)
		if closeCh {
			close(s.ch)
		}
		s.release()
	})
}
