package service

import (
	"sync"

	"github.com/google/uuid"

	"eventchat/server/chat/domain"
)

const DefaultSinkBuffer = 64

// Sink is the outbound queue of one connection. Offer never blocks: a full or closed
// sink rejects the event.
type Sink struct {
	id     string
	ch     chan domain.Event
	mu     sync.RWMutex
	closed bool
}

func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &Sink{id: uuid.NewString(), ch: make(chan domain.Event, buffer)}
}

func (s *Sink) ID() string {
	return s.id
}

func (s *Sink) Events() <-chan domain.Event {
	return s.ch
}

func (s *Sink) Offer(event domain.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
