package pubsub

import (
	"context"
	"sync"
)

// Local is the standalone PubSub backend: channels fan out to
// subscribers entirely in-process, each subscriber fed by its own
// buffered, FIFO-ordered channel. No cluster coordination is required,
// matching "a single server instance works standalone" (§1).
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Message
	next int
}

// NewLocal returns an empty in-process PubSub.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]chan Message)}
}

func (l *Local) Close() error { return nil }

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.subs[channel] {
		// Deliver without blocking on one slow subscriber: the
		// per-subscriber buffer absorbs bursts, and when it is full the
		// message is dropped for that subscriber.
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, channel string) (<-chan Message, func()) {
	l.mu.Lock()
	var id = l.next
	l.next++
	var ch = make(chan Message, 256)
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[int]chan Message)
	}
	l.subs[channel][id] = ch
	l.mu.Unlock()

	var cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if m, ok := l.subs[channel]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
		}
	}
	return ch, cancel
}
