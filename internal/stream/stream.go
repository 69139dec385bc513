package stream

import (
	"context"
	"sync"

	"pathwell.org/internal/engine"
)

// Stream fan-outs engine notifications to all active subscribers (SSE
// clients). The UI shows optimistic "earned" toasts; this feed carries what
// the engine actually committed so clients can reconcile.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan engine.Notification
	next int
}

var _ engine.Notifier = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan engine.Notification)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// notifications. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan engine.Notification {
	ch := make(chan engine.Notification, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Notify fan-outs the notification to all subscribers without blocking.
func (s *Stream) Notify(n engine.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Drop when subscriber is slow to avoid blocking the engine.
		}
	}
}
