package supervisor

import "sync"

const subscriberBuffer = 256

// stream fans one kind of notification out to its subscribers. Sends never
// block: a full subscriber loses its oldest entry first. Loss is tolerable
// because every event also sits unacknowledged in the log until the gateway
// confirms delivery.
type stream[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// Subscribe registers a new buffered channel on the stream.
func (s *stream[T]) Subscribe() chan T {
	ch := make(chan T, subscriberBuffer)
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[chan T]struct{})
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe drops the channel. The channel is not closed; the caller owns
// draining it.
func (s *stream[T]) Unsubscribe(ch chan T) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func (s *stream[T]) publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Full: drop the oldest entry and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}
