package speech

import "sync"

// Subscription receives every event published after it was created. The
// channel is closed once the socket shuts down.
type Subscription struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	socket *Socket
}

func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Unsubscribe stops delivery. The events channel is not closed by
// Unsubscribe, so callers must stop reading from it.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.socket.subsMu.Lock()
		delete(sub.socket.subs, sub)
		sub.socket.subsMu.Unlock()
		close(sub.done)
	})
}

// Subscribe registers a consumer of socket events. Delivery blocks on a full
// buffer, so subscribers must keep reading until they unsubscribe.
func (s *Socket) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		socket: s,
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.completed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Socket) publish(evt Event) {
	s.subsMu.Lock()
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

func (s *Socket) complete() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
}
