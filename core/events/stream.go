package events

import "sync"

// Fanout relays every emitted event to all registered emitters. Registration
// is expected to happen during wiring, before events start flowing, but the
// type is safe for concurrent use throughout.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Emitter
}

// Register appends an emitter to the fan-out set. Nil emitters are ignored.
func (f *Fanout) Register(sink Emitter) {
	if f == nil || sink == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Emit implements the Emitter interface.
func (f *Fanout) Emit(evt Event) {
	if f == nil {
		return
	}
	f.mu.RLock()
	sinks := append([]Emitter{}, f.sinks...)
	f.mu.RUnlock()
	for _, sink := range sinks {
		sink.Emit(evt)
	}
}

// Stream buffers emitted events and hands them to subscribers over channels.
// Slow subscribers drop the oldest pending event rather than blocking the
// engine; settlement paths must never stall on observers.
type Stream struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	cap  int
}

// NewStream constructs a stream whose per-subscriber buffer holds up to cap
// events. Non-positive capacities fall back to 64.
func NewStream(cap int) *Stream {
	if cap <= 0 {
		cap = 64
	}
	return &Stream{subs: make(map[chan Event]struct{}), cap: cap}
}

// Subscribe registers a new subscriber channel. The returned cancel function
// removes the subscription and closes the channel.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.cap)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Emit implements the Emitter interface.
func (s *Stream) Emit(evt Event) {
	if s == nil || evt == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}
