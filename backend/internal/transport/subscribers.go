package transport

import (
	"sync"

	"collabSync/backend/internal/protocol"
)

// Subscribers 入站回调列表，两个通道实现共用
type Subscribers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(protocol.Message)
}

func (s *Subscribers) Add(fn func(protocol.Message)) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(protocol.Message))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *Subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}

// Deliver 在调用方的 goroutine 上依次回调，保持通道内的到达顺序
func (s *Subscribers) Deliver(m protocol.Message) {
	s.mu.RLock()
	fns := make([]func(protocol.Message), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
