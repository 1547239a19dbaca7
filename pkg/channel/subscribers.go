package channel

import "sync"

// subscribers fans events out to registered handlers.
type subscribers struct {
	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	handler Handler

	// mu is held for the duration of a delivery so that Cancel waits out
	// an in-flight call.
	mu       sync.Mutex
	canceled bool
	owner    *subscribers
}

func (s *subscribers) add(h Handler) *subscription {
	sub := &subscription{handler: h, owner: s}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

func (s *subscribers) remove(target *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// emit delivers ev to every live subscription, in registration order.
func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (sub *subscription) deliver(ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.canceled {
		return
	}
	sub.handler(ev)
}

// Cancel implements Subscription.
func (sub *subscription) Cancel() {
	sub.mu.Lock()
	already := sub.canceled
	sub.canceled = true
	sub.mu.Unlock()

	if !already {
		sub.owner.remove(sub)
	}
}
