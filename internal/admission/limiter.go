// Package admission caps concurrent event-stream connections per client
// identity, protecting the fan-out and engine layers from unbounded
// subscriber growth.
package admission

import (
	"fmt"
	"sync"

	"github.com/atelier-ai/atelier/pkg/api"
)

const defaultMaxPerClient = 8

// Limiter tracks active connection slots per client identity (address,
// session id, whatever the transport layer uses). Acquisition is scoped: the
// returned release func is idempotent, so wiring it to every teardown path
// (explicit cancel, subscriber drop, context cancellation) cannot
// double-free or leak a slot.
type Limiter struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

// NewLimiter creates a Limiter allowing up to max concurrent slots per
// identity. max <= 0 selects the default.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = defaultMaxPerClient
	}
	return &Limiter{
		max:    max,
		active: make(map[string]int),
	}
}

// Acquire claims a slot for identity. Beyond the cap it fails with
// api.ErrAdmissionDenied, distinct from any application-level error and
// affecting no workflow.
func (l *Limiter) Acquire(identity string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[identity] >= l.max {
		return nil, fmt.Errorf("%w: client %q at cap %d", api.ErrAdmissionDenied, identity, l.max)
	}
	l.active[identity]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if n := l.active[identity]; n <= 1 {
				delete(l.active, identity)
			} else {
				l.active[identity] = n - 1
			}
		})
	}, nil
}

// Active reports the slots currently held by identity.
func (l *Limiter) Active(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[identity]
}
